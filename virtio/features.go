package virtio

import (
	"math/bits"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Features is a set of feature bits.
type Features uint64

// Device independent bits.
const (
	FNotifyOnEmpty    Features = 1 << 24
	FAnyLayout        Features = 1 << 27
	FIndirectDesc     Features = 1 << 28 // Descriptors may point at a descriptor table
	FEventIdx         Features = 1 << 29 // used_event / avail_event suppression
	FVersion1         Features = 1 << 32
	FAccessPlatform   Features = 1 << 33
	FRingPacked       Features = 1 << 34
	FInOrder          Features = 1 << 35
	FOrderPlatform    Features = 1 << 36
	FSRIOV            Features = 1 << 37
	FNotificationData Features = 1 << 38
	FNotifConfigData  Features = 1 << 39
	FRingReset        Features = 1 << 40
)

// virtio-net bits.
const (
	NetFCsum          Features = 1 << 0  // Host handles pkts w/ partial csum
	NetFGuestCsum     Features = 1 << 1  // Guest handles pkts w/ partial csum
	NetFCtrlOffloads  Features = 1 << 2  // Control channel offloads reconfiguration
	NetFMTU           Features = 1 << 3  // Initial MTU advice
	NetFMAC           Features = 1 << 5  // Host has given MAC address
	NetFGSO           Features = 1 << 6  // Host handles pkts w/ any GSO type
	NetFGuestTSO4     Features = 1 << 7  // Guest can handle TSOv4 in
	NetFGuestTSO6     Features = 1 << 8  // Guest can handle TSOv6 in
	NetFGuestECN      Features = 1 << 9  // Guest can handle TSO[6] w/ ECN in
	NetFGuestUFO      Features = 1 << 10 // Guest can handle UFO in
	NetFHostTSO4      Features = 1 << 11 // Host can handle TSOv4 in
	NetFHostTSO6      Features = 1 << 12 // Host can handle TSOv6 in
	NetFHostECN       Features = 1 << 13 // Host can handle TSO[6] w/ ECN in
	NetFHostUFO       Features = 1 << 14 // Host can handle UFO in
	NetFMrgRxbuf      Features = 1 << 15 // Driver can merge receive buffers
	NetFStatus        Features = 1 << 16 // Configuration status field is available
	NetFCtrlVQ        Features = 1 << 17 // Control channel is available
	NetFCtrlRx        Features = 1 << 18 // Control channel RX mode support
	NetFCtrlVLAN      Features = 1 << 19 // Control channel VLAN filtering
	NetFGuestAnnounce Features = 1 << 21 // Driver can send gratuitous packets
	NetFMQ            Features = 1 << 22 // Device supports Receive Flow Steering
	NetFCtrlMACAddr   Features = 1 << 23 // Set MAC address
	NetFVQNotfCoal    Features = 1 << 52 // Device supports virtqueue notification coalescing
	NetFNotfCoal      Features = 1 << 53 // Device supports notifications coalescing
	NetFGuestUSO4     Features = 1 << 54 // Guest can handle USOv4 in
	NetFGuestUSO6     Features = 1 << 55 // Guest can handle USOv6 in
	NetFHostUSO       Features = 1 << 56 // Host can handle USO in
	NetFHashReport    Features = 1 << 57 // Supports hash report
	NetFGuestHdrLen   Features = 1 << 59 // Guest provides the exact hdr_len value
	NetFRSS           Features = 1 << 60 // Supports RSS RX steering
	NetFRSCExt        Features = 1 << 61 // extended coalescing info
	NetFStandby       Features = 1 << 62 // Act as standby for another device with the same MAC
	NetFSpeedDuplex   Features = 1 << 63 // Device set linkspeed and duplex
)

var featureNames = map[Features]string{
	FNotifyOnEmpty:    "NOTIFY_ON_EMPTY",
	FAnyLayout:        "ANY_LAYOUT",
	FIndirectDesc:     "RING_INDIRECT_DESC",
	FEventIdx:         "RING_EVENT_IDX",
	FVersion1:         "VERSION_1",
	FAccessPlatform:   "ACCESS_PLATFORM",
	FRingPacked:       "RING_PACKED",
	FInOrder:          "IN_ORDER",
	FOrderPlatform:    "ORDER_PLATFORM",
	FSRIOV:            "SR_IOV",
	FNotificationData: "NOTIFICATION_DATA",
	FNotifConfigData:  "NOTIF_CONFIG_DATA",
	FRingReset:        "RING_RESET",

	NetFCsum:          "NET_CSUM",
	NetFGuestCsum:     "NET_GUEST_CSUM",
	NetFCtrlOffloads:  "NET_CTRL_GUEST_OFFLOADS",
	NetFMTU:           "NET_MTU",
	NetFMAC:           "NET_MAC",
	NetFGSO:           "NET_GSO",
	NetFGuestTSO4:     "NET_GUEST_TSO4",
	NetFGuestTSO6:     "NET_GUEST_TSO6",
	NetFGuestECN:      "NET_GUEST_ECN",
	NetFGuestUFO:      "NET_GUEST_UFO",
	NetFHostTSO4:      "NET_HOST_TSO4",
	NetFHostTSO6:      "NET_HOST_TSO6",
	NetFHostECN:       "NET_HOST_ECN",
	NetFHostUFO:       "NET_HOST_UFO",
	NetFMrgRxbuf:      "NET_MRG_RXBUF",
	NetFStatus:        "NET_STATUS",
	NetFCtrlVQ:        "NET_CTRL_VQ",
	NetFCtrlRx:        "NET_CTRL_RX",
	NetFCtrlVLAN:      "NET_CTRL_VLAN",
	NetFGuestAnnounce: "NET_GUEST_ANNOUNCE",
	NetFMQ:            "NET_MQ",
	NetFCtrlMACAddr:   "NET_CTRL_MAC_ADDR",
	NetFVQNotfCoal:    "NET_VQ_NOTF_COAL",
	NetFNotfCoal:      "NET_NOTF_COAL",
	NetFGuestUSO4:     "NET_GUEST_USO4",
	NetFGuestUSO6:     "NET_GUEST_USO6",
	NetFHostUSO:       "NET_HOST_USO",
	NetFHashReport:    "NET_HASH_REPORT",
	NetFGuestHdrLen:   "NET_GUEST_HDRLEN",
	NetFRSS:           "NET_RSS",
	NetFRSCExt:        "NET_RSC_EXT",
	NetFStandby:       "NET_STANDBY",
	NetFSpeedDuplex:   "NET_SPEED_DUPLEX",
}

// Has reports whether every bit of o is in f.
func (f Features) Has(o Features) bool {
	return f&o == o
}

func (f Features) Count() int {
	return bits.OnesCount64(uint64(f))
}

// Window returns the 32-bit half selected by sel.
func (f Features) Window(sel int) uint32 {
	return uint32(uint64(f) >> (32 * sel))
}

// String lists the set bits by name, lowest first.
func (f Features) String() string {
	if f == 0 {
		return "none"
	}

	var parts []string

	for rest := uint64(f); rest != 0; rest &= rest - 1 {
		bit := Features(1) << bits.TrailingZeros64(rest)
		if name, ok := featureNames[bit]; ok {
			parts = append(parts, name)
		} else {
			parts = append(parts, "bit"+strconv.Itoa(bits.TrailingZeros64(rest)))
		}
	}

	return strings.Join(parts, "|")
}

// ParseFeature looks a feature up by name. The VIRTIO_F_ and VIRTIO_
// prefixes are optional and case is ignored.
func ParseFeature(name string) (Features, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "VIRTIO_F_")
	n = strings.TrimPrefix(n, "VIRTIO_")
	n = strings.Replace(n, "NET_F_", "NET_", 1)
	n = strings.Replace(n, "RING_F_", "RING_", 1)

	for bit, s := range featureNames {
		if s == n || strings.TrimPrefix(s, "RING_") == n {
			return bit, nil
		}
	}

	return 0, errors.Errorf("unknown feature %q", name)
}

// FeatureNames returns every known feature name in sorted order.
func FeatureNames() []string {
	names := make([]string, 0, len(featureNames))
	for _, s := range featureNames {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}
