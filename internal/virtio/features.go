package virtio

import (
	"fmt"
	"strings"
)

// Features is the 64-bit feature space shared by device and driver.
type Features uint64

// Device-independent feature bits.
const (
	FeatureNotifyOnEmpty    Features = 1 << 24
	FeatureAnyLayout        Features = 1 << 27
	FeatureIndirectDesc     Features = 1 << 28
	FeatureEventIdx         Features = 1 << 29
	FeatureVersion1         Features = 1 << 32
	FeatureAccessPlatform   Features = 1 << 33
	FeatureRingPacked       Features = 1 << 34
	FeatureInOrder          Features = 1 << 35
	FeatureOrderPlatform    Features = 1 << 36
	FeatureSRIOV            Features = 1 << 37
	FeatureNotificationData Features = 1 << 38
	FeatureRingReset        Features = 1 << 40
)

var featureNames = []struct {
	bit  Features
	name string
}{
	{FeatureNotifyOnEmpty, "NOTIFY_ON_EMPTY"},
	{FeatureAnyLayout, "ANY_LAYOUT"},
	{FeatureIndirectDesc, "RING_INDIRECT_DESC"},
	{FeatureEventIdx, "RING_EVENT_IDX"},
	{FeatureVersion1, "VERSION_1"},
	{FeatureAccessPlatform, "ACCESS_PLATFORM"},
	{FeatureRingPacked, "RING_PACKED"},
	{FeatureInOrder, "IN_ORDER"},
	{FeatureOrderPlatform, "ORDER_PLATFORM"},
	{FeatureSRIOV, "SR_IOV"},
	{FeatureNotificationData, "NOTIFICATION_DATA"},
	{FeatureRingReset, "RING_RESET"},
}

func (f Features) Has(bits Features) bool { return f&bits == bits }

// String names the device-independent bits; device-specific bits are
// printed by number.
func (f Features) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	rest := f
	for _, n := range featureNames {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
			rest &^= n.bit
		}
	}
	for bit := 0; rest != 0; bit++ {
		if rest&(1<<bit) != 0 {
			parts = append(parts, fmt.Sprintf("bit%d", bit))
			rest &^= 1 << bit
		}
	}
	return strings.Join(parts, "|")
}

// ParseFeature accepts a name printed by String, or "bitN".
func ParseFeature(name string) (Features, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for _, n := range featureNames {
		if n.name == upper {
			return n.bit, nil
		}
	}
	var bit uint
	if _, err := fmt.Sscanf(strings.ToLower(upper), "bit%d", &bit); err == nil && bit < 64 {
		return 1 << bit, nil
	}
	return 0, fmt.Errorf("virtio: unknown feature %q", name)
}
