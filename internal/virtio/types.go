package virtio

import "fmt"

// DeviceType is the virtio device ID.
type DeviceType uint16

const (
	DeviceInvalid       DeviceType = 0
	DeviceNetwork       DeviceType = 1
	DeviceBlock         DeviceType = 2
	DeviceConsole       DeviceType = 3
	DeviceEntropy       DeviceType = 4
	DeviceBalloonLegacy DeviceType = 5
	DeviceIOMemory      DeviceType = 6
	DeviceRPMsg         DeviceType = 7
	DeviceSCSIHost      DeviceType = 8
	Device9P            DeviceType = 9
	DeviceWLAN          DeviceType = 10
	DeviceRProcSerial   DeviceType = 11
	DeviceCAIF          DeviceType = 12
	DeviceBalloon       DeviceType = 13
	DeviceGPU           DeviceType = 16
	DeviceTimer         DeviceType = 17
	DeviceInput         DeviceType = 18
	DeviceSocket        DeviceType = 19
	DeviceCrypto        DeviceType = 20
	DeviceSignalDist    DeviceType = 21
	DevicePstore        DeviceType = 22
	DeviceIOMMU         DeviceType = 23
	DeviceMemory        DeviceType = 24
	DeviceSound         DeviceType = 25
	DeviceFS            DeviceType = 26
	DevicePMEM          DeviceType = 27
)

var deviceTypeNames = map[DeviceType]string{
	DeviceNetwork:       "network",
	DeviceBlock:         "block",
	DeviceConsole:       "console",
	DeviceEntropy:       "entropy",
	DeviceBalloonLegacy: "balloon-legacy",
	DeviceIOMemory:      "iomem",
	DeviceRPMsg:         "rpmsg",
	DeviceSCSIHost:      "scsi",
	Device9P:            "9p",
	DeviceWLAN:          "wlan",
	DeviceRProcSerial:   "rproc-serial",
	DeviceCAIF:          "caif",
	DeviceBalloon:       "balloon",
	DeviceGPU:           "gpu",
	DeviceTimer:         "timer",
	DeviceInput:         "input",
	DeviceSocket:        "vsock",
	DeviceCrypto:        "crypto",
	DeviceSignalDist:    "signal-dist",
	DevicePstore:        "pstore",
	DeviceIOMMU:         "iommu",
	DeviceMemory:        "memory",
	DeviceSound:         "sound",
	DeviceFS:            "fs",
	DevicePMEM:          "pmem",
}

func (t DeviceType) String() string {
	if name, ok := deviceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("device-type(%d)", uint16(t))
}

// ParseDeviceType accepts the names printed by String.
func ParseDeviceType(name string) (DeviceType, error) {
	for t, n := range deviceTypeNames {
		if n == name {
			return t, nil
		}
	}
	return DeviceInvalid, fmt.Errorf("virtio: unknown device type %q", name)
}
