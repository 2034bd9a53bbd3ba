package station

// Topics holds the MQTT topics of one station. The metadata topic
// deliberately puts the "metadata" segment before the station id;
// dashboards subscribe to {prefix}/metadata/+ to discover stations.
type Topics struct {
	Status   string
	Output   string
	Control  string
	Metadata string
}

// NewTopics builds the topic set for stationID under prefix.
func NewTopics(prefix, stationID string) Topics {
	base := prefix + "/" + stationID
	return Topics{
		Status:   base + "/status",
		Output:   base + "/output",
		Control:  base + "/control",
		Metadata: prefix + "/metadata/" + stationID,
	}
}
