package session

// LinkType classifies a link record.
type LinkType int

const (
	LinkTypeWired LinkType = iota
	LinkTypeWireless
)

// MessageFlags qualify a broadcast record.
type MessageFlags int

const (
	FlagNone MessageFlags = iota
	FlagAdd
	FlagDelete
)

// LinkData describes radio link state between two nodes, broadcast to
// session listeners when the link monitor observes a change.
type LinkData struct {
	MessageType MessageFlags
	Type        LinkType
	Node1ID     int
	Node2ID     int
	NetworkID   int
	Color       string
}

// linkColors is the palette assigned to radio networks, in the order their
// colors are first looked up.
var linkColors = []string{"green", "blue", "orange", "purple", "turquoise"}
