package mesh

// Id addresses a net, an endpoint, or a group within a net. It is net-local
// for endpoint/group ids and global for net ids.
type Id uint64

const (
	// Any matches any net (as a destination net id) or any endpoint/group
	// (as a destination endpoint id) within a matched net.
	Any Id = 0

	// LocalNet addresses "whichever net this endpoint is plugged into",
	// as opposed to a specific numbered net.
	LocalNet Id = 1

	// Unused is reserved and must never be used to address a message.
	Unused Id = ^Id(0)

	// firstAutoEndpointID is the first id handed out by a Net's automatic
	// endpoint id allocator.
	firstAutoEndpointID Id = 0x10000
)
