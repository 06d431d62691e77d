// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

// Package hostmem implements a software backend that keeps every buffer in host memory.
//
// The CPU-visible side of a buffer is an anonymous memory mapping (mmap on unix systems), and its GPU-visible
// addresses come from a simulated per-context virtual address space. It has no command processor, so there
// is nothing to submit on Init3D.
//
// It is useful for tests, tools and for platforms where the GPU shares host memory.
// Select it with NVDRM_BACKEND="hostmem" or NVDRM_BACKEND="hostmem:va=64GiB".
package hostmem

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/nvdrm/nvdrm/backends"
	"github.com/nvdrm/nvdrm/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in NVDRM_BACKEND to specify this backend.
const BackendName = "hostmem"

// Registers New() as the constructor for the "hostmem" backend.
func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

const (
	// DefaultVABase is where the simulated GPU address space of every context starts.
	// Address 0 is never handed out.
	DefaultVABase = uint64(4) << 30

	// DefaultVASize is the size of the simulated GPU address space of every context.
	DefaultVASize = uint64(1) << 40
)

// Backend implements backends.Backend keeping buffers in host memory.
type Backend struct {
	vaBase, vaSize uint64

	mu        sync.Mutex
	contexts  map[*Context]struct{}
	finalized bool
}

// Compile-time check that hostmem.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// New constructs a new hostmem Backend.
//
// The config is a comma-separated list of options. The only option is "va=<size>", the size of the
// simulated GPU virtual address space of each context, e.g.: "va=64GiB".
func New(config string) (*Backend, error) {
	b := &Backend{
		vaBase:   DefaultVABase,
		vaSize:   DefaultVASize,
		contexts: make(map[*Context]struct{}),
	}
	for _, option := range strings.Split(config, ",") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, _ := strings.Cut(option, "=")
		switch key {
		case "va":
			size, err := humanize.ParseBytes(value)
			if err != nil {
				return nil, errors.Wrapf(err, "hostmem: invalid address space size in option %q", option)
			}
			if size == 0 {
				return nil, errors.Errorf("hostmem: address space size must be > 0 in option %q", option)
			}
			b.vaSize = size
		default:
			return nil, errors.Errorf("hostmem: unknown option %q in config %q", key, config)
		}
	}
	return b, nil
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("Host memory backend (%s GPU address space per context)", humanize.IBytes(b.vaSize))
}

// NewContext creates a context with its own GPU address space.
func (b *Backend) NewContext() (backends.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, errors.Errorf("hostmem: backend already finalized")
	}
	ctx := &Context{
		backend: b,
		as:      newAddressSpace(b.vaBase, b.vaSize),
	}
	b.contexts[ctx] = struct{}{}
	return ctx, nil
}

// TotalPhysicalMemory returns the amount of physical memory of the host.
func (b *Backend) TotalPhysicalMemory() (uint64, error) {
	total, err := totalPhysicalMemory()
	if err != nil {
		return 0, errors.WithMessagef(err, "hostmem: failed to query total physical memory")
	}
	return total, nil
}

// Finalize closes all contexts still open, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.mu.Lock()
	contexts := b.contexts
	b.contexts = nil
	b.finalized = true
	b.mu.Unlock()
	for ctx := range contexts {
		ctx.Close()
	}
}

// NumContexts returns the number of contexts created and not yet closed.
func (b *Backend) NumContexts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contexts)
}

// Context implements backends.Context.
type Context struct {
	backend *Backend
	as      *AddressSpace
	closed  atomic.Bool
}

var _ backends.Context = &Context{}

// AddressSpace returns the GPU address space of the context.
func (c *Context) AddressSpace() backends.AddressSpace { return c.as }

// Init3D has nothing to set up for host memory.
func (c *Context) Init3D() error {
	if c.closed.Load() {
		return errors.Errorf("hostmem: Init3D on a closed context")
	}
	return nil
}

// Close frees any buffer still allocated in the address space of the context.
func (c *Context) Close() {
	if c.closed.Swap(true) {
		return
	}
	if leaked := c.as.freeAll(); leaked > 0 {
		klog.Warningf("hostmem: context closed with %d buffer(s) still allocated, they were freed", leaked)
	}
	c.backend.mu.Lock()
	delete(c.backend.contexts, c)
	c.backend.mu.Unlock()
}

// exports holds the buffers published with Export, by name.
var (
	exports  xsync.SyncMap[uint32, *Buffer]
	lastName atomic.Uint32
)

// Export publishes the buffer under a new global name, that can be mapped into any other address space
// with AddressSpace.MapNamed.
func Export(buffer backends.Buffer) (uint32, error) {
	buf, ok := buffer.(*Buffer)
	if !ok {
		return 0, errors.Errorf("hostmem: buffer %T is not a %q backend buffer", buffer, BackendName)
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.freed {
		return 0, errors.Errorf("hostmem: cannot export freed buffer (handle=%d)", buf.handle)
	}
	if buf.name == 0 {
		buf.name = lastName.Add(1)
		exports.LoadOrStore(buf.name, buf)
	}
	return buf.name, nil
}
