package contracts

// Row pairs a field-name-to-value mapping with the Contract it was built
// against. Row is the in-process representation threaded through the
// engine; it is never passed to plugin boundaries (sinks, the recorder) —
// callers MUST extract a plain map with Data() first; the row+contract
// pair never crosses a plugin boundary.
type Row struct {
	fields   map[string]interface{}
	contract *Contract
}

// NewRow constructs a Row from a mapping and its contract. The mapping is
// copied so later mutation of the caller's map does not alias engine state.
func NewRow(data map[string]interface{}, contract *Contract) Row {
	copied := make(map[string]interface{}, len(data))
	for k, v := range data {
		copied[k] = v
	}
	return Row{fields: copied, contract: contract}
}

// Get returns the value stored at name and whether it was present.
func (r Row) Get(name string) (interface{}, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// Set returns a new Row with name bound to value, leaving the receiver
// untouched (rows are treated as value-like within the engine).
func (r Row) Set(name string, value interface{}) Row {
	copied := make(map[string]interface{}, len(r.fields)+1)
	for k, v := range r.fields {
		copied[k] = v
	}
	copied[name] = value
	return Row{fields: copied, contract: r.contract}
}

// Contract returns the row's bound contract.
func (r Row) Contract() *Contract {
	return r.contract
}

// Data extracts a plain mapping for crossing a plugin/audit boundary. This
// is the ONLY sanctioned way to hand row data to a sink, recorder, or
// canonical hash function.
func (r Row) Data() map[string]interface{} {
	out := make(map[string]interface{}, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// WithContract returns a new Row carrying the same data bound to a
// different contract (used when a transform declares a fresh output
// contract for its result).
func (r Row) WithContract(c *Contract) Row {
	return Row{fields: r.fields, contract: c}
}
