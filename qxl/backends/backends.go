// Copyright 2025 Mulga Defense Corporation (MDC). All rights reserved.
// Use of this source code is governed by an Apache 2.0 license
// that can be found in the LICENSE file.

package backend

import (
	"fmt"

	"github.com/mulgadc/qxlmem/qxl/backends/file"
	"github.com/mulgadc/qxlmem/qxl/backends/memory"
	"github.com/mulgadc/qxlmem/qxl/backends/pci"
	"github.com/mulgadc/qxlmem/types"
)

// New creates a backend of type btype. config must be the matching config
// struct of the backend package. The backend still needs Init.
func New(btype string, config any) (types.Backend, error) {
	switch btype {
	case "memory":
		if cfg, ok := config.(memory.Config); ok {
			return memory.New(cfg), nil
		}
	case "file":
		if cfg, ok := config.(file.FileConfig); ok {
			return file.New(cfg), nil
		}
	case "pci":
		if cfg, ok := config.(pci.Config); ok {
			return pci.New(cfg), nil
		}
	default:
		return nil, fmt.Errorf("invalid backend %q", btype)
	}

	return nil, fmt.Errorf("backend %s: config of type %T", btype, config)
}
