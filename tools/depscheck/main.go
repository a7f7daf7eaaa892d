package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

type packageInfo struct {
	ImportPath string
	Imports    []string
}

const module = "lockstep-net/server/"

// forbidden lists import prefixes a package tree must not reach. The engine
// and its wire types stay independent of the concrete transport, simulation
// and storage.
var forbidden = map[string][]string{
	module + "internal/lockstep": {
		module + "internal/net/ws",
		module + "internal/sim",
		module + "internal/record",
		module + "internal/app",
	},
	module + "internal/control": {
		module + "internal/lockstep",
		module + "internal/net",
	},
	module + "internal/net/proto": {
		module + "internal/lockstep",
		module + "internal/net/ws",
	},
}

func violates(importPath, imp string) bool {
	for root, prefixes := range forbidden {
		if importPath != root && !strings.HasPrefix(importPath, root+"/") {
			continue
		}
		for _, prefix := range prefixes {
			if imp == prefix || strings.HasPrefix(imp, prefix+"/") {
				return true
			}
		}
	}
	return false
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./internal/...")
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	decoder := json.NewDecoder(bytes.NewReader(output))

	var violations []string
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
			os.Exit(1)
		}

		for _, imp := range pkg.Imports {
			if violates(pkg.ImportPath, imp) {
				violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
			}
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}
