// Copyright 2023-2026 The NVDRM Authors. SPDX-License-Identifier: Apache-2.0

// Package object implements the tree of driver-visible objects: the client of a DRM handle, its devices,
// and the channels and other objects created on a device.
//
// The tree only has parent pointers from the caller's point of view, and an Object can't be deleted while
// it still has live children: teardown has to happen leaf-first.
//
// Each Object has a class tag, and a payload typed according to the variant of its class:
// DeviceInfo for ClassDevice, Channel for ClassFIFOChannel and Opaque bytes for every other class.
package object

import (
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"github.com/eapache/queue"
	"github.com/nvdrm/nvdrm/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Class is the numeric class tag of an object.
type Class uint32

const (
	// ClassClient is the root object of a DRM handle.
	ClassClient Class = 0x00000000

	// ClassDevice is the class of device objects.
	ClassDevice Class = 0x80000000

	// ClassFIFOChannel is the class of channel (FIFO) objects, they carry a Channel payload.
	ClassFIFOChannel Class = 0x80000001

	// ClassNotifier is the class of notifier objects.
	ClassNotifier Class = 0x80000002
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case ClassClient:
		return "Client"
	case ClassDevice:
		return "Device"
	case ClassFIFOChannel:
		return "FIFOChannel"
	case ClassNotifier:
		return "Notifier"
	}
	return fmt.Sprintf("Class(0x%08x)", uint32(c))
}

// Variant of the Object, as determined by its class.
type Variant int

const (
	Generic Variant = iota
	DeviceVariant
	ChannelVariant
)

// Variant returns the variant of objects of this class.
func (c Class) Variant() Variant {
	switch c {
	case ClassDevice:
		return DeviceVariant
	case ClassFIFOChannel:
		return ChannelVariant
	}
	return Generic
}

var (
	// ErrInvalidPayload is returned when the payload type doesn't match the variant of the class.
	ErrInvalidPayload = errors.New("payload doesn't match object class")

	// ErrHasChildren is returned when deleting an object that still has live children.
	ErrHasChildren = errors.New("object has live children")
)

// Payload is the data attached to an Object. It is one of *DeviceInfo, *Channel or Opaque.
type Payload interface {
	variant() Variant

	// Len is the size in bytes recorded for bookkeeping.
	Len() int
}

// DeviceInfo is the payload of ClassDevice objects.
type DeviceInfo struct {
	Chipset   uint32
	VRAMSize  uint64
	VRAMLimit uint64
}

func (*DeviceInfo) variant() Variant { return DeviceVariant }

// Len implements Payload.
func (*DeviceInfo) Len() int { return int(unsafe.Sizeof(DeviceInfo{})) }

// Channel is the payload of ClassFIFOChannel objects.
type Channel struct {
	// Parent is the object the channel was created on.
	Parent *Object

	Channel uint32
	PushBuf uint32
}

func (*Channel) variant() Variant { return ChannelVariant }

// Len implements Payload.
func (*Channel) Len() int { return int(unsafe.Sizeof(Channel{})) }

// Opaque is the payload of objects of any other class.
type Opaque []byte

func (Opaque) variant() Variant { return Generic }

// Len implements Payload.
func (o Opaque) Len() int { return len(o) }

// Object is a node of the object tree.
type Object struct {
	parent *Object
	class  Class
	handle uint64

	mu       sync.Mutex
	payload  Payload
	children []*Object
	deleted  bool
}

// New creates an object of the given class as a child of parent (nil for a root object).
//
// Objects of ClassFIFOChannel always get a *Channel payload pointing back to parent: if payload is nil a zeroed
// one is created. For other classes payload is optional, but if given it must match the variant of the class.
func New(parent *Object, class Class, handle uint64, payload Payload) (*Object, error) {
	klog.V(2).Infof("object.New(class=%s, handle=0x%x)", class, handle)
	if payload != nil && payload.variant() != class.Variant() {
		return nil, errors.Wrapf(ErrInvalidPayload, "class %s can't take a %T payload", class, payload)
	}
	if class.Variant() == ChannelVariant {
		channel, _ := payload.(*Channel)
		if channel == nil {
			channel = &Channel{}
		}
		channel.Parent = parent
		payload = channel
	}
	obj := &Object{
		parent:  parent,
		class:   class,
		handle:  handle,
		payload: payload,
	}
	if parent != nil {
		parent.mu.Lock()
		defer parent.mu.Unlock()
		if parent.deleted {
			return nil, errors.Errorf("object.New(class=%s): parent %s was already deleted", class, parent)
		}
		parent.children = append(parent.children, obj)
	}
	return obj, nil
}

// Delete frees the payload of the object and detaches it from its parent.
//
// It is a no-op for a nil or already deleted object. It fails with ErrHasChildren if
// the object still has children that were not deleted.
func (o *Object) Delete() error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	if o.deleted {
		o.mu.Unlock()
		return nil
	}
	if len(o.children) > 0 {
		n := len(o.children)
		o.mu.Unlock()
		return errors.Wrapf(ErrHasChildren, "deleting %s with %d children", o, n)
	}
	klog.V(2).Infof("object.Delete(%s)", o)
	o.deleted = true
	o.payload = nil
	o.mu.Unlock()

	if o.parent != nil {
		o.parent.mu.Lock()
		o.parent.children = slices.DeleteFunc(o.parent.children, func(child *Object) bool { return child == o })
		o.parent.mu.Unlock()
	}
	return nil
}

// Parent returns the parent object, nil for a root.
func (o *Object) Parent() *Object { return o.parent }

// Class returns the class tag of the object.
func (o *Object) Class() Class { return o.class }

// Handle returns the 64-bit handle value of the object.
func (o *Object) Handle() uint64 { return o.handle }

// Variant returns the variant of the object, determined by its class.
func (o *Object) Variant() Variant { return o.class.Variant() }

// Payload returns the payload attached to the object, or nil.
func (o *Object) Payload() Payload {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.payload
}

// PayloadLen returns the bookkeeping length of the payload, 0 if there is none.
func (o *Object) PayloadLen() int {
	p := o.Payload()
	if p == nil {
		return 0
	}
	return p.Len()
}

// Channel returns the channel payload, if the object is a channel.
func (o *Object) Channel() (*Channel, bool) {
	c, ok := o.Payload().(*Channel)
	return c, ok
}

// DeviceInfo returns the device payload, if the object is a device and it has one.
func (o *Object) DeviceInfo() (*DeviceInfo, bool) {
	d, ok := o.Payload().(*DeviceInfo)
	return d, ok && d != nil
}

// IsDeleted returns whether Delete succeeded on the object.
func (o *Object) IsDeleted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deleted
}

// Children returns a snapshot of the live children of the object, in creation order.
func (o *Object) Children() []*Object {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.children)
}

// Root returns the root of the tree the object belongs to.
func (o *Object) Root() *Object {
	for o.parent != nil {
		o = o.parent
	}
	return o
}

// Walk visits the object and its live descendants breadth-first, children in creation order.
// If fn returns false the walk stops.
func (o *Object) Walk(fn func(obj *Object) bool) {
	pending := queue.New()
	pending.Add(o)
	for pending.Length() > 0 {
		obj := pending.Remove().(*Object)
		if !fn(obj) {
			return
		}
		for _, child := range obj.Children() {
			pending.Add(child)
		}
	}
}

// String implements fmt.Stringer.
func (o *Object) String() string {
	if o == nil {
		return "<nil Object>"
	}
	return fmt.Sprintf("%s(handle=0x%x)", o.class, o.handle)
}

// MClass is a candidate class for ResolveClass: the class tag and the interface version it implements.
type MClass struct {
	Class   Class
	Version int
}

// ResolveClass would pick, among the candidates, the first class the object supports (used for firmware
// upload contexts). Class negotiation isn't supported, and it always returns backends.ErrNotImplemented.
func ResolveClass(obj *Object, candidates []MClass) (int, error) {
	klog.V(2).Infof("object.ResolveClass(%s, %d candidates)", obj, len(candidates))
	return -1, errors.Wrapf(backends.ErrNotImplemented, "object.ResolveClass(%s)", obj)
}
