package internal

// Tag is the image reference a session builds and pushes, "<namespace>/<uuid>".
type Tag string

// String returns the tag as a plain string.
func (t Tag) String() string {
	return string(t)
}

// Stage marks how far a session has progressed.
type Stage int

const (
	StageReceiving Stage = iota
	StageStaged
	StageBuilding
	StageBuilt
	StagePushing
	StagePushed
	StageResponding
)

func (s Stage) String() string {
	switch s {
	case StageReceiving:
		return "receive"
	case StageStaged:
		return "stage"
	case StageBuilding:
		return "build"
	case StageBuilt:
		return "built"
	case StagePushing:
		return "push"
	case StagePushed:
		return "pushed"
	case StageResponding:
		return "respond"
	default:
		return "unknown"
	}
}
