package toolchain

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// An overlay file adds site-specific features after the built-in catalogue:
//
//	feature "march_native" {
//	  enabled = false
//	  flag_set {
//	    actions = ["c-compile", "c++-compile"]
//	    flag_group {
//	      flags = ["-march=%{march}"]
//	      expand_if_available = "march"
//	    }
//	  }
//	}
type hclOverlayFile struct {
	Features []*hclFeature `hcl:"feature,block"`
}

type hclFeature struct {
	Name     string        `hcl:"name,label"`
	Enabled  *bool         `hcl:"enabled,optional"`
	Requires []string      `hcl:"requires,optional"`
	Absent   []string      `hcl:"absent,optional"`
	FlagSets []*hclFlagSet `hcl:"flag_set,block"`
}

type hclFlagSet struct {
	Actions  []string        `hcl:"actions"`
	Requires []string        `hcl:"requires,optional"`
	Absent   []string        `hcl:"absent,optional"`
	Groups   []*hclFlagGroup `hcl:"flag_group,block"`
}

type hclFlagGroup struct {
	Flags             []string `hcl:"flags"`
	IterateOver       string   `hcl:"iterate_over,optional"`
	ExpandIfAvailable string   `hcl:"expand_if_available,optional"`
}

// LoadOverlayFile parses feature blocks from an HCL file.
func LoadOverlayFile(path string) ([]Feature, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse overlay %s: %w", path, diags)
	}
	return decodeOverlay(path, f.Body)
}

// ParseOverlay parses feature blocks from HCL source.
func ParseOverlay(filename string, src []byte) ([]Feature, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse overlay %s: %w", filename, diags)
	}
	return decodeOverlay(filename, f.Body)
}

func decodeOverlay(filename string, body hcl.Body) ([]Feature, error) {
	var parsed hclOverlayFile
	if diags := gohcl.DecodeBody(body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode overlay %s: %w", filename, diags)
	}

	features := make([]Feature, 0, len(parsed.Features))
	for _, hf := range parsed.Features {
		f := Feature{
			Name:      hf.Name,
			Condition: Condition{Requires: hf.Requires, Absent: hf.Absent},
		}
		if hf.Enabled != nil {
			f.Enabled = *hf.Enabled
		}
		for _, hs := range hf.FlagSets {
			fs := FlagSet{Condition: Condition{Requires: hs.Requires, Absent: hs.Absent}}
			for _, name := range hs.Actions {
				a, err := ParseAction(name)
				if err != nil {
					return nil, fmt.Errorf("overlay %s: feature %s: %w", filename, hf.Name, err)
				}
				fs.Actions = append(fs.Actions, a)
			}
			for _, hg := range hs.Groups {
				fs.Groups = append(fs.Groups, FlagGroup{
					Flags:             hg.Flags,
					IterateOver:       hg.IterateOver,
					ExpandIfAvailable: hg.ExpandIfAvailable,
				})
			}
			f.FlagSets = append(f.FlagSets, fs)
		}
		features = append(features, f)
	}
	return features, nil
}
