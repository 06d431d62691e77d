// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

package drm

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Client is a user of a Device, identified by a small integer unique among the live clients of the device.
// Identifiers of closed clients are reused, lowest first.
type Client struct {
	dev *Device
	id  int

	closeOnce sync.Once
}

// NewClient registers a new client on the device, and assigns it the lowest free identifier.
func (d *Device) NewClient() (*Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, errors.Wrapf(ErrDeviceDestroyed, "creating client on %s", d.tag)
	}
	c := &Client{dev: d, id: d.clients.Allocate()}
	klog.V(2).Infof("drm.Device.NewClient(%s): id=%d", d.tag, c.id)
	return c, nil
}

// Close releases the client identifier, to be reused by future clients. Closing twice is a no-op.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		klog.V(2).Infof("drm.Client.Close(%s, id=%d)", c.dev.tag, c.id)
		c.dev.mu.Lock()
		defer c.dev.mu.Unlock()
		if err := c.dev.clients.Release(c.id); err != nil {
			klog.Warningf("releasing client %d of %s: %v", c.id, c.dev.tag, err)
		}
	})
}

// ID returns the client identifier.
func (c *Client) ID() int { return c.id }

// Device returns the device the client belongs to.
func (c *Client) Device() *Device { return c.dev }

// String implements fmt.Stringer.
func (c *Client) String() string { return fmt.Sprintf("<Client id=%d of %s>", c.id, c.dev.tag) }
