package p2p

// Metric family names for P2P reporting.
const (
	MetricP2PMessagesTotal = "p2p_msgs_total"        // {kind,direction,result}
	MetricP2PBytesTotal    = "p2p_bytes_total"       // {kind,direction}
	MetricP2PPeerEvents    = "p2p_peer_events_total" // {event}
)
