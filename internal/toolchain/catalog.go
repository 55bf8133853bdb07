package toolchain

// Feature names the descriptor builder and orchestrator agree on.
const (
	FeatureDefaultCompileFlags = "default_compile_flags"
	FeatureOptimized           = "opt"
	FeatureDebugSymbols        = "dbg"
	FeatureSupportsPIC         = "supports_pic"
	FeaturePIC                 = "pic"
	FeatureSysroot             = "sysroot"
	FeatureIncludePaths        = "include_paths"
	FeaturePreprocessorDefines = "preprocessor_defines"
	FeatureDependencyFile      = "dependency_file"
	FeatureOutputExecpathFlags = "output_execpath_flags"
	FeatureCompilerInputFlags  = "compiler_input_flags"
	FeatureUserCompileFlags    = "user_compile_flags"
	FeatureDefaultLinkFlags    = "default_link_flags"
	FeatureFullyStaticLink     = "fully_static_link"
	FeatureLibrarySearchDirs   = "library_search_directories"
	FeatureLibrariesToLink     = "libraries_to_link"
	FeatureUserLinkFlags       = "user_link_flags"
	FeatureStripDebugSymbols   = "strip_debug_symbols"
	FeatureArchiverFlags       = "archiver_flags"
	FeatureLTO                 = "lto"
	FeatureEmbedData           = "embed_data"
	FeatureCoverage            = "coverage"
)

func groups(flags ...string) []FlagGroup {
	return []FlagGroup{{Flags: flags}}
}

func ifAvailable(name string, flags ...string) FlagGroup {
	return FlagGroup{Flags: flags, ExpandIfAvailable: name}
}

func iterate(name string, flags ...string) FlagGroup {
	return FlagGroup{Flags: flags, IterateOver: name, ExpandIfAvailable: name}
}

func concat(lists ...[]Action) []Action {
	var out []Action
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

// builtinFeatures returns the musl-gcc feature list in precedence order:
// defaults first, then compilation mode, then per-invocation inputs, and user
// supplied flags last so they override everything before them.
func builtinFeatures() []Feature {
	return []Feature{
		{
			Name:    FeatureDefaultCompileFlags,
			Enabled: true,
			FlagSets: []FlagSet{
				{
					Actions: compileActions,
					Groups: groups(
						"-U_FORTIFY_SOURCE",
						"-fstack-protector",
						"-Wall",
						"-Wunused-but-set-parameter",
						"-Wno-free-nonheap-object",
						"-fno-omit-frame-pointer",
					),
				},
				{
					Actions: cppCompileActions,
					Groups:  groups("-std=c++17"),
				},
			},
		},
		{
			Name: FeatureOptimized,
			FlagSets: []FlagSet{
				{
					Actions: compileActions,
					Groups: groups(
						"-g0",
						"-O2",
						"-D_FORTIFY_SOURCE=1",
						"-DNDEBUG",
						"-ffunction-sections",
						"-fdata-sections",
					),
				},
				{
					Actions: linkActions,
					Groups:  groups("-Wl,--gc-sections"),
				},
			},
		},
		{
			Name: FeatureDebugSymbols,
			FlagSets: []FlagSet{
				{Actions: compileActions, Groups: groups("-g")},
			},
		},
		{Name: FeatureSupportsPIC, Enabled: true},
		{
			Name:      FeaturePIC,
			Enabled:   true,
			Condition: Condition{Requires: []string{FeatureSupportsPIC}},
			FlagSets: []FlagSet{
				{
					Actions: compileActions,
					Groups:  []FlagGroup{ifAvailable("pic", "-fPIC")},
				},
			},
		},
		{
			Name:    FeatureSysroot,
			Enabled: true,
			FlagSets: []FlagSet{
				{
					Actions: concat(compileActions, linkActions),
					Groups:  []FlagGroup{ifAvailable("sysroot", "--sysroot=%{sysroot}")},
				},
			},
		},
		{
			Name:    FeatureIncludePaths,
			Enabled: true,
			FlagSets: []FlagSet{
				{
					Actions: preprocessorActions,
					Groups: []FlagGroup{
						iterate("quote_include_paths", "-iquote", "%{quote_include_paths}"),
						iterate("include_paths", "-I%{include_paths}"),
						iterate("system_include_paths", "-isystem", "%{system_include_paths}"),
					},
				},
			},
		},
		{
			Name:    FeaturePreprocessorDefines,
			Enabled: true,
			FlagSets: []FlagSet{
				{
					Actions: preprocessorActions,
					Groups:  []FlagGroup{iterate("preprocessor_defines", "-D%{preprocessor_defines}")},
				},
			},
		},
		{
			Name:    FeatureDependencyFile,
			Enabled: true,
			FlagSets: []FlagSet{
				{
					Actions: concat(preprocessorActions, []Action{ActionAssemble}),
					Groups:  []FlagGroup{ifAvailable("dependency_file", "-MD", "-MF", "%{dependency_file}")},
				},
			},
		},
		{
			Name:    FeatureOutputExecpathFlags,
			Enabled: true,
			FlagSets: []FlagSet{
				{
					Actions: compileActions,
					Groups:  []FlagGroup{ifAvailable("output_file", "-o", "%{output_file}")},
				},
				{
					Actions: linkActions,
					Groups:  []FlagGroup{ifAvailable("output_execpath", "-o", "%{output_execpath}")},
				},
			},
		},
		{
			Name:    FeatureCompilerInputFlags,
			Enabled: true,
			FlagSets: []FlagSet{
				{
					Actions: compileActions,
					Groups:  []FlagGroup{ifAvailable("source_file", "-c", "%{source_file}")},
				},
			},
		},
		{
			Name:    FeatureUserCompileFlags,
			Enabled: true,
			FlagSets: []FlagSet{
				{
					Actions: compileActions,
					Groups:  []FlagGroup{iterate("user_compile_flags", "%{user_compile_flags}")},
				},
			},
		},
		{
			Name:    FeatureDefaultLinkFlags,
			Enabled: true,
			FlagSets: []FlagSet{
				{
					Actions: linkActions,
					Groups: groups(
						"-Wl,-no-as-needed",
						"-Wl,-z,relro,-z,now",
						"-pass-exit-codes",
						"-lstdc++",
						"-lm",
					),
				},
				{
					Actions: dynamicLibraryActions,
					Groups:  groups("-shared"),
				},
			},
		},
		{
			Name: FeatureFullyStaticLink,
			FlagSets: []FlagSet{
				{
					Actions: []Action{ActionLinkExecutable},
					Groups:  groups("-static"),
				},
			},
		},
		{
			Name:    FeatureLibrarySearchDirs,
			Enabled: true,
			FlagSets: []FlagSet{
				{
					Actions: linkActions,
					Groups:  []FlagGroup{iterate("library_search_directories", "-L%{library_search_directories}")},
				},
			},
		},
		{
			Name:    FeatureLibrariesToLink,
			Enabled: true,
			FlagSets: []FlagSet{
				{
					Actions: linkActions,
					Groups:  []FlagGroup{iterate("libraries_to_link", "%{libraries_to_link}")},
				},
			},
		},
		{
			Name:    FeatureUserLinkFlags,
			Enabled: true,
			FlagSets: []FlagSet{
				{
					Actions: linkActions,
					Groups:  []FlagGroup{iterate("user_link_flags", "%{user_link_flags}")},
				},
			},
		},
		{
			Name:    FeatureStripDebugSymbols,
			Enabled: true,
			FlagSets: []FlagSet{
				{
					Actions: linkActions,
					Groups:  []FlagGroup{ifAvailable("strip_debug_symbols", "-Wl,-S")},
				},
			},
		},
		{
			Name:    FeatureArchiverFlags,
			Enabled: true,
			FlagSets: []FlagSet{
				{
					Actions: []Action{ActionLinkStaticLibrary},
					Groups: []FlagGroup{
						ifAvailable("output_execpath", "rcsD", "%{output_execpath}"),
						iterate("libraries_to_link", "%{libraries_to_link}"),
					},
				},
			},
		},
		{
			Name: FeatureLTO,
			FlagSets: []FlagSet{
				{
					Actions: concat(compileActions[:len(compileActions)-1], linkActions),
					Groups:  groups("-flto"),
				},
				{
					Actions: []Action{ActionLTOBackend},
					Groups: []FlagGroup{
						ifAvailable("thinlto_input_bitcode_file", "-x", "ir", "%{thinlto_input_bitcode_file}"),
						ifAvailable("thinlto_output_object_file", "-o", "%{thinlto_output_object_file}"),
					},
				},
			},
		},
		{
			Name:    FeatureEmbedData,
			Enabled: true,
			FlagSets: []FlagSet{
				{
					Actions: []Action{ActionEmbedData},
					Groups:  groups("-I", "binary"),
				},
			},
		},
		{
			Name: FeatureCoverage,
			FlagSets: []FlagSet{
				{
					Actions: concat(compileActions, linkActions),
					Groups:  groups("--coverage"),
				},
			},
		},
	}
}
