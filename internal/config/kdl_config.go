package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
)

// LoadKDL attempts to load configuration from a .lci-engine.kdl file in
// root. Returns (nil, nil) when the file does not exist, so callers can
// fall through to the TOML loader and then to defaults.
func LoadKDL(root string) (*Config, error) {
	kdlPath := filepath.Join(root, ".lci-engine.kdl")

	if _, err := os.Stat(kdlPath); os.IsNotExist(err) {
		return nil, nil
	}

	content, err := os.ReadFile(kdlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read .lci-engine.kdl: %w", err)
	}

	cfg, err := parseKDL(string(content))
	if err != nil {
		return nil, err
	}

	if cfg.Project.Root == "" {
		absRoot, err := filepath.Abs(root)
		if err == nil {
			cfg.Project.Root = absRoot
		} else {
			cfg.Project.Root = root
		}
	} else if !filepath.IsAbs(cfg.Project.Root) {
		cfg.Project.Root = filepath.Clean(filepath.Join(root, cfg.Project.Root))
	}

	return cfg, nil
}

// parseKDL parses the node tree of a .lci-engine.kdl document into a
// Config seeded with the package defaults.
func parseKDL(content string) (*Config, error) {
	cfg := Default()
	cfg.Project.Root = ""

	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse KDL config: %w", err)
	}

	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "project":
			for _, cn := range n.Children {
				assignSimpleString(cn, "root", func(v string) { cfg.Project.Root = v })
			}
		case "scheduler":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "delay_ms":
					if v, ok := firstIntArg(cn); ok {
						cfg.Scheduler.DelayMs = v
					}
				case "thread_count":
					if v, ok := firstIntArg(cn); ok {
						cfg.Scheduler.ThreadCount = v
					}
				case "enabled":
					if v, ok := firstBoolArg(cn); ok {
						cfg.Scheduler.Enabled = v
					}
				}
			}
		}
	}

	return cfg, nil
}

func nodeName(n *document.Node) string {
	if n == nil {
		return ""
	}
	return n.Name.Value
}

func firstIntArg(n *document.Node) (int, bool) {
	for _, v := range n.Arguments {
		if s, ok := scalarString(v); ok {
			if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				return i, true
			}
		}
	}
	return 0, false
}

func firstBoolArg(n *document.Node) (bool, bool) {
	for _, v := range n.Arguments {
		if s, ok := scalarString(v); ok {
			if b, err := parseBool(s); err == nil {
				return b, true
			}
		}
	}
	return false, false
}

func firstStringArg(n *document.Node) (string, bool) {
	for _, v := range n.Arguments {
		if s, ok := scalarString(v); ok {
			return s, true
		}
	}
	return "", false
}

func assignSimpleString(n *document.Node, name string, set func(string)) {
	if nodeName(n) != name {
		return
	}
	if v, ok := firstStringArg(n); ok {
		set(v)
	}
}

func scalarString(v *document.Value) (string, bool) {
	if v == nil {
		return "", false
	}
	return fmt.Sprintf("%v", v.Value), true
}

// parseBool accepts the same loose vocabulary as the teacher's config
// loaders: true/false, yes/no, 1/0, on/off.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "on":
		return true, nil
	case "false", "no", "0", "off":
		return false, nil
	default:
		return strconv.ParseBool(s)
	}
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("value must be positive, got %d", n)
	}
	return n, nil
}
