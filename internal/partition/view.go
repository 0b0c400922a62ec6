package partition

// PartitionView lists the hosts of one partition.
type PartitionView struct {
	ID    int    `json:"id"`
	Hosts []Host `json:"hosts"`
}

// View is a serializable description of a snapshot.
type View struct {
	Service    string          `json:"service"`
	Version    int64           `json:"version"`
	Partitions []PartitionView `json:"partitions"`
}

func (s *Snapshot) View() View {
	v := View{Service: s.Service, Version: s.Version}
	for _, p := range s.Partitions() {
		hs := s.Hosts(p)
		if hs == nil {
			hs = []Host{}
		}
		v.Partitions = append(v.Partitions, PartitionView{ID: p, Hosts: hs})
	}
	return v
}
