package device

import (
	"io"
	"novakern/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Any diagnostic output
	// produced while probing hardware is written to w.
	DriverInit(w io.Writer) *kernel.Error
}

// ProbeFn attempts to detect and initialize a driver for a particular piece
// of hardware. It returns nil if the hardware could not be detected.
type ProbeFn func() Driver

// DetectOrder specifies the relative order in which a driver's probe
// function should be invoked by the hal package.
type DetectOrder uint8

const (
	// DetectOrderEarly is used by drivers that must be probed before
	// everything else (e.g. the serial console, used for early boot
	// diagnostics).
	DetectOrderEarly DetectOrder = iota

	// DetectOrderBeforeTables is used by drivers that must run before
	// system-table-backed drivers get a chance to probe, typically
	// because those drivers depend on state this driver establishes.
	DetectOrderBeforeTables

	// DetectOrderTables is used by drivers that rely on firmware-provided
	// system tables to enumerate hardware.
	DetectOrderTables

	// DetectOrderDefault is the order used by drivers with no particular
	// ordering requirement.
	DetectOrderDefault

	// DetectOrderLast is used by drivers that must be probed after
	// everything else.
	DetectOrderLast
)

// DriverInfo is used by drivers to register themselves with the device
// package so they can be probed by the hal package.
type DriverInfo struct {
	// Order specifies when this driver's Probe function should be
	// invoked relative to other registered drivers.
	Order DetectOrder

	// Probe is invoked by the hal package to detect and initialize this
	// driver's hardware.
	Probe ProbeFn
}

// DriverInfoList is a sortable list of DriverInfo entries, ordered by
// ascending Order.
type DriverInfoList []*DriverInfo

// Len implements sort.Interface.
func (l DriverInfoList) Len() int { return len(l) }

// Less implements sort.Interface.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

// Swap implements sort.Interface.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

var registeredDrivers DriverInfoList

// RegisterDriver appends info to the package-level list of drivers that the
// hal package will probe when DetectHardware is invoked. Drivers are
// expected to call this from an init() block.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}
