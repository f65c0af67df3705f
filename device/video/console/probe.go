package console

import (
	"novakern/kernel/cpu"
	"novakern/kernel/hal/multiboot"
	"novakern/kernel/mem/vmm"
)

var (
	mapRegionFn          = vmm.MapRegion
	portWriteByteFn      = cpu.PortWriteByte
	getFramebufferInfoFn = multiboot.GetFramebufferInfo
)
