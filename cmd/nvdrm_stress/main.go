// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

// nvdrm_stress creates a device on the selected backend, allocates buffer objects from concurrent clients
// until the requested count (or the backend's memory) is exhausted, and reports the accounting of the device
// before and after releasing them.
//
// Usage:
//
//	nvdrm_stress -backend=hostmem:va=16GiB -buffers=10000 -size=1MiB -workers=16
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/nvdrm/nvdrm/backends"
	_ "github.com/nvdrm/nvdrm/backends/hostmem"
	"github.com/nvdrm/nvdrm/pkg/core/drm"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagBackend = flag.String("backend", "",
		fmt.Sprintf("Backend configuration, formatted as \"<backend_name>:<backend_configuration>\". "+
			"If empty, $%s is used, and then the first registered backend.", backends.NVDRM_BACKEND))
	flagBuffers = flag.Int("buffers", 1000, "Number of buffer objects to allocate.")
	flagSize    = flag.String("size", "64KiB", "Size of each buffer object, e.g.: \"1MiB\".")
	flagAlign   = flag.Uint("align", 0, "Alignment of the buffer objects, 0 for the default.")
	flagWorkers = flag.Int("workers", 8, "Number of concurrent clients allocating buffer objects.")
	flagPercent = flag.String("vram_limit", "",
		fmt.Sprintf("Percentage of the host memory used as VRAM budget. If empty $%s is used.", drm.VRAMLimitPercentEnv))
	flagProgress = flag.Bool("progress", true, "Display a progress bar while allocating.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'nvdrm_stress -help'.", flag.Args())
		os.Exit(1)
	}
	if err := run(); err != nil {
		klog.Errorf("nvdrm_stress failed: %+v", err)
		os.Exit(1)
	}
}

// stats collects the results of an allocation run.
type stats struct {
	allocated, outOfMemory, failed atomic.Int64
	peakUsed                       atomic.Uint64
	elapsed                        time.Duration
}

func (s *stats) recordUsed(used uint64) {
	for {
		peak := s.peakUsed.Load()
		if used <= peak || s.peakUsed.CompareAndSwap(peak, used) {
			return
		}
	}
}

func run() error {
	size, err := humanize.ParseBytes(*flagSize)
	if err != nil {
		return errors.Wrapf(err, "invalid -size=%q", *flagSize)
	}
	if *flagWorkers <= 0 {
		return errors.Errorf("-workers must be > 0, got %d", *flagWorkers)
	}

	var backend backends.Backend
	if *flagBackend == "" {
		backend, err = backends.New()
	} else {
		backend, err = backends.NewWithConfig(*flagBackend)
	}
	if err != nil {
		return err
	}
	defer backend.Finalize()

	fd := drm.NewDRM(-1)
	dev, err := drm.NewDeviceWithConfig(backend, fd.Client(), drm.DeviceConfig{VRAMLimitPercent: *flagPercent})
	if err != nil {
		return err
	}

	bos, st := allocate(dev, size)
	fmt.Println(titleStyle.Render("Allocation"))
	fmt.Println(summaryTable(backend, dev, size, st).Render())

	start := time.Now()
	release(bos)
	fmt.Println(titleStyle.Render("After release"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row(false, "buffer objects", humanize.Comma(int64(len(dev.Buffers()))))
	table.Row(false, "vram used", humanize.IBytes(dev.VRAMUsed()))
	table.Row(false, "elapsed", time.Since(start).String())
	fmt.Println(table.Render())

	if err = dev.Destroy(); err != nil {
		return err
	}
	return fd.Close()
}

// allocate creates -buffers buffer objects from -workers concurrent clients.
func allocate(dev *drm.Device, size uint64) ([]*drm.BufferObject, *stats) {
	st := &stats{}
	var bar *progressbar.ProgressBar
	if *flagProgress {
		bar = progressbar.Default(int64(*flagBuffers), "allocating")
	}
	bos := make([]*drm.BufferObject, *flagBuffers)
	indices := make(chan int)
	var wg sync.WaitGroup
	start := time.Now()
	for range *flagWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := dev.NewClient()
			if err != nil {
				klog.Errorf("Failed to create client: %v", err)
				for range indices {
					st.failed.Add(1)
				}
				return
			}
			defer client.Close()
			for idx := range indices {
				bo, err := drm.NewBuffer(dev, drm.FlagVRAM|drm.FlagMap, uint32(*flagAlign), size, nil)
				switch {
				case err == nil:
					_ = bo.Map(drm.FlagWR, client)
					bos[idx] = bo
					st.allocated.Add(1)
					st.recordUsed(dev.VRAMUsed())
				case errors.Is(err, drm.ErrOutOfMemory):
					// Includes ErrMapping failures caused by an exhausted GPU address space.
					st.outOfMemory.Add(1)
				default:
					klog.V(1).Infof("buffer object #%d: %v", idx, err)
					st.failed.Add(1)
				}
				if bar != nil {
					_ = bar.Add(1)
				}
			}
		}()
	}
	for idx := range *flagBuffers {
		indices <- idx
	}
	close(indices)
	wg.Wait()
	st.elapsed = time.Since(start)
	if bar != nil {
		_ = bar.Finish()
	}
	return bos, st
}

// release drops the reference of every allocated buffer object, concurrently.
func release(bos []*drm.BufferObject) {
	var wg sync.WaitGroup
	chunk := (len(bos) + *flagWorkers - 1) / *flagWorkers
	for start := 0; start < len(bos); start += chunk {
		part := bos[start:min(start+chunk, len(bos))]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ii := range part {
				drm.Ref(nil, &part[ii])
			}
		}()
	}
	wg.Wait()
}
