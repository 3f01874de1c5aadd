package connection

// ChannelSpec is the tagged-variant value hub.New/terminal.New/preview.New
// build to configure a Connection, in place of subclassing (spec.md §9
// "dynamic dispatch via subclass overrides"). Name, RequiresCLIReady, and
// Reliable map directly onto the channel-specific facts spec.md §4.7 lists
// for each variant; BuildParams supplies the subscribe-time params (e.g.
// terminal's agent_index/pty_index/rows/cols); HandleMessage specializes
// handleMessage.
type ChannelSpec struct {
	Name             string
	RequiresCLIReady bool
	Reliable         bool
	BuildParams      func() map[string]any
	HandleMessage    func(c *Connection, payload []byte)
}
