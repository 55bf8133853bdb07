package toolchain

import (
	"slices"

	"musltc/internal/failure"
)

// Action is a kind of compiler or linker invocation. The set is fixed; names
// match what the orchestrator uses on the wire.
type Action string

const (
	ActionAssemble                 Action = "assemble"
	ActionPreprocessAssemble       Action = "preprocess-assemble"
	ActionCCompile                 Action = "c-compile"
	ActionCppCompile               Action = "c++-compile"
	ActionCppHeaderParsing         Action = "c++-header-parsing"
	ActionCppModuleCompile         Action = "c++-module-compile"
	ActionCppModuleCodegen         Action = "c++-module-codegen"
	ActionLinkExecutable           Action = "c++-link-executable"
	ActionLinkDynamicLibrary       Action = "c++-link-dynamic-library"
	ActionLinkStaticLibrary        Action = "c++-link-static-library"
	ActionLinkNodepsDynamicLibrary Action = "c++-link-nodeps-dynamic-library"
	ActionLTOBackend               Action = "lto-backend"
	// ActionEmbedData converts a binary blob into a linkable object with objcopy.
	ActionEmbedData Action = "objcopy_embed_data"
)

var allActions = []Action{
	ActionAssemble,
	ActionPreprocessAssemble,
	ActionCCompile,
	ActionCppCompile,
	ActionCppHeaderParsing,
	ActionCppModuleCompile,
	ActionCppModuleCodegen,
	ActionLinkExecutable,
	ActionLinkDynamicLibrary,
	ActionLinkStaticLibrary,
	ActionLinkNodepsDynamicLibrary,
	ActionLTOBackend,
	ActionEmbedData,
}

// Groupings used by the built-in feature catalogue.
var (
	compileActions = []Action{
		ActionAssemble,
		ActionPreprocessAssemble,
		ActionCCompile,
		ActionCppCompile,
		ActionCppHeaderParsing,
		ActionCppModuleCompile,
		ActionCppModuleCodegen,
		ActionLTOBackend,
	}
	cppCompileActions = []Action{
		ActionCppCompile,
		ActionCppHeaderParsing,
		ActionCppModuleCompile,
		ActionCppModuleCodegen,
	}
	preprocessorActions = []Action{
		ActionPreprocessAssemble,
		ActionCCompile,
		ActionCppCompile,
		ActionCppHeaderParsing,
		ActionCppModuleCompile,
	}
	linkActions = []Action{
		ActionLinkExecutable,
		ActionLinkDynamicLibrary,
		ActionLinkNodepsDynamicLibrary,
	}
	dynamicLibraryActions = []Action{
		ActionLinkDynamicLibrary,
		ActionLinkNodepsDynamicLibrary,
	}
)

// Actions returns every known action in a stable order.
func Actions() []Action {
	return slices.Clone(allActions)
}

// ParseAction resolves an action name.
func ParseAction(name string) (Action, error) {
	a := Action(name)
	if !slices.Contains(allActions, a) {
		return "", failure.Configf("unknown action %q", name)
	}
	return a, nil
}

// IsLink reports whether the action produces a linked output.
func (a Action) IsLink() bool {
	return slices.Contains(linkActions, a) || a == ActionLinkStaticLibrary
}
