package esp

import "sort"

// AlertTable is a complete alert table, ordered by index. An empty table
// means the detector has no active alerts.
type AlertTable []AlertData

// Priority returns the row the detector flagged as its priority alert.
func (t AlertTable) Priority() (AlertData, bool) {
	for _, a := range t {
		if a.Priority {
			return a, true
		}
	}
	return AlertData{}, false
}

// AlertReassembler accumulates the one-row-per-notification alert stream
// into complete tables. It is not safe for concurrent use; it belongs to the
// single notification consumer.
type AlertReassembler struct {
	rows  map[int]AlertData
	count int
}

// NewAlertReassembler returns an empty reassembler.
func NewAlertReassembler() *AlertReassembler {
	return &AlertReassembler{rows: make(map[int]AlertData)}
}

// Add buffers a and reports a table once every row of the current
// generation has been seen. A zero count always yields an empty table.
func (r *AlertReassembler) Add(a AlertData) (AlertTable, bool) {
	if a.Count == 0 {
		r.Reset()
		return AlertTable{}, true
	}

	// A different count means the detector started a new generation.
	if len(r.rows) > 0 && r.count != a.Count {
		r.Reset()
	}
	r.count = a.Count
	r.rows[a.Index] = a

	if len(r.rows) != a.Count {
		return nil, false
	}

	table := make(AlertTable, 0, len(r.rows))
	for _, row := range r.rows {
		table = append(table, row)
	}
	sort.Slice(table, func(i, j int) bool { return table[i].Index < table[j].Index })
	r.Reset()
	return table, true
}

// Reset drops any partially assembled table.
func (r *AlertReassembler) Reset() {
	for k := range r.rows {
		delete(r.rows, k)
	}
	r.count = 0
}

// Pending returns the number of rows buffered for the current generation.
func (r *AlertReassembler) Pending() int { return len(r.rows) }
