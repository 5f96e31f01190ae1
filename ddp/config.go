package ddp

// Default protocol versions offered in the connect handshake, most preferred first.
const (
	DefaultVersion = "1"
)

var DefaultSupport = []string{"1", "pre2", "pre1"}

// Config controls the protocol handshake and id allocation of a Client.
type Config struct {
	// Version is the protocol version proposed in the connect message.
	// Default: "1".
	Version string

	// Support lists every version the client accepts, Version included.
	// Default: ["1", "pre2", "pre1"].
	Support []string

	// NewIDs creates the correlation id generator for a new client.
	// Default: a CounterIDs.
	NewIDs func() IDGenerator

	// Name is an optional human-readable name used in logs.
	Name string
}

// DefaultConfig returns a Config with the defaults described on each field.
func DefaultConfig() *Config {
	return &Config{
		Version: DefaultVersion,
		Support: append([]string(nil), DefaultSupport...),
		NewIDs:  func() IDGenerator { return &CounterIDs{} },
		Name:    "ddp",
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.Version == "" {
		out.Version = def.Version
	}
	if len(out.Support) == 0 {
		out.Support = []string{out.Version}
	}
	if out.NewIDs == nil {
		out.NewIDs = def.NewIDs
	}
	if out.Name == "" {
		out.Name = def.Name
	}
	return &out
}
