package sending

// Kind distinguishes the three outbound destination shapes.
type Kind int

const (
	// KindFederation is a remote homeserver.
	KindFederation Kind = iota
	// KindAppservice is a local application service.
	KindAppservice
	// KindPush is a single push-notification endpoint for one user.
	KindPush
)

// Destination identifies where a queued transaction is headed. Exactly
// the fields relevant to Kind are populated.
type Destination struct {
	Kind    Kind
	Server  string // Federation, Appservice
	User    string // Push
	Pushkey string // Push
}

// Federation constructs a federation destination.
func Federation(server string) Destination { return Destination{Kind: KindFederation, Server: server} }

// Appservice constructs an application-service destination.
func Appservice(id string) Destination { return Destination{Kind: KindAppservice, Server: id} }

// Push constructs a per-user push destination.
func Push(user, pushkey string) Destination {
	return Destination{Kind: KindPush, User: user, Pushkey: pushkey}
}

// Prefix returns the byte-string prefix under which this destination's
// queue entries are stored in the sending_queue map, matching the
// sigil scheme: a bare server name for federation, "+" prefixed for
// appservices, "$" prefixed user\xFFpushkey for push.
func (d Destination) Prefix() []byte {
	switch d.Kind {
	case KindFederation:
		p := make([]byte, 0, len(d.Server)+1)
		p = append(p, d.Server...)
		return append(p, 0xFF)
	case KindAppservice:
		p := make([]byte, 0, len(d.Server)+2)
		p = append(p, '+')
		p = append(p, d.Server...)
		return append(p, 0xFF)
	case KindPush:
		p := make([]byte, 0, len(d.User)+len(d.Pushkey)+3)
		p = append(p, '$')
		p = append(p, d.User...)
		p = append(p, 0xFF)
		p = append(p, d.Pushkey...)
		return append(p, 0xFF)
	default:
		return nil
	}
}

// String is a human-readable identifier for logging.
func (d Destination) String() string {
	switch d.Kind {
	case KindFederation:
		return d.Server
	case KindAppservice:
		return "+" + d.Server
	case KindPush:
		return "$" + d.User + "\xFF" + d.Pushkey
	default:
		return "<unknown destination>"
	}
}
