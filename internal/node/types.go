package node

import (
	"encoding/json"
	"sort"
)

// Status is the subset of get_status the watcher reads.
type Status struct {
	NodeID         string                     `json:"node_id"`
	Version        string                     `json:"version"`
	ConnectedNodes map[string]json.RawMessage `json:"connected_nodes"`
}

// Connected returns the number of peers the node reports.
func (s *Status) Connected() int {
	if s == nil {
		return 0
	}
	return len(s.ConnectedNodes)
}

// CycleInfo is one reporting cycle of a staking address.
type CycleInfo struct {
	Cycle       uint64  `json:"cycle"`
	IsFinal     bool    `json:"is_final"`
	OkCount     uint64  `json:"ok_count"`
	NokCount    uint64  `json:"nok_count"`
	ActiveRolls *uint64 `json:"active_rolls"`
}

// AddressInfo is one record of get_addresses.
type AddressInfo struct {
	Address            string      `json:"address"`
	Thread             int         `json:"thread"`
	FinalBalance       string      `json:"final_balance"`
	CandidateBalance   string      `json:"candidate_balance"`
	FinalRollCount     uint64      `json:"final_roll_count"`
	CandidateRollCount uint64      `json:"candidate_roll_count"`
	CycleInfos         []CycleInfo `json:"cycle_infos"`
}

// RecentCycles returns up to n cycles with the highest cycle numbers,
// newest first. The node does not promise any order.
func (a AddressInfo) RecentCycles(n int) []CycleInfo {
	cycles := append([]CycleInfo(nil), a.CycleInfos...)
	sort.SliceStable(cycles, func(i, j int) bool { return cycles[i].Cycle > cycles[j].Cycle })
	if n >= 0 && len(cycles) > n {
		cycles = cycles[:n]
	}
	return cycles
}
