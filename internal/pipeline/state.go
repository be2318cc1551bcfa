package pipeline

// Pipeline states, in success order.
type State int

const (
	Idle State = iota
	Prepared
	Configured
	Built
	Checked
	Staged
	Stripped
	Packaged
	Failed
)

// Returns the state's display name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Prepared:
		return "prepared"
	case Configured:
		return "configured"
	case Built:
		return "built"
	case Checked:
		return "checked"
	case Staged:
		return "staged"
	case Stripped:
		return "stripped"
	case Packaged:
		return "packaged"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reports whether the state is terminal.
func (s State) Terminal() bool {
	return s == Packaged || s == Failed
}

// The stage name a failure in the transition to s is reported under.
func (s State) stageName() string {
	switch s {
	case Prepared:
		return "prepare"
	case Configured:
		return "configure"
	case Built:
		return "build"
	case Checked:
		return "check"
	case Staged:
		return "install"
	case Stripped:
		return "strip"
	case Packaged:
		return "package"
	default:
		return s.String()
	}
}
