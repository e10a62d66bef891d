package schedule

// Single provides store for a single entry passed as "path;HH:MM;name"
type Single struct {
	Line string
}

// Load parses the Line and returns it as the only entry
func (s Single) Load() ([]Entry, error) {
	e, err := Parse(s.Line)
	if err != nil {
		return nil, err
	}
	return []Entry{e}, nil
}

func (s Single) String() string {
	return s.Line
}
