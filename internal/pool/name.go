package pool

// Name identifies a block (a logical backend database) within a pool.
// It is a thin string wrapper so block identity can be compared and
// used as a map key without repeated string validation.
type Name string

func (n Name) String() string { return string(n) }
