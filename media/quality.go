package media

import "fmt"

// Quality is the engine-wide audio quality preference.
type Quality int

const (
	QualityAuto Quality = iota
	QualityHigh
	QualityLow
)

func ParseQuality(s string) (Quality, error) {
	switch s {
	case "auto":
		return QualityAuto, nil
	case "high":
		return QualityHigh, nil
	case "low":
		return QualityLow, nil
	default:
		return QualityAuto, fmt.Errorf("unsupported quality: %q", s)
	}
}

func (q Quality) String() string {
	switch q {
	case QualityAuto:
		return "auto"
	case QualityHigh:
		return "high"
	case QualityLow:
		return "low"
	default:
		return fmt.Sprintf("quality(%d)", int(q))
	}
}

// NetworkClass is the cost hint passed along with every resolution.
type NetworkClass int

const (
	NetworkUnmetered NetworkClass = iota
	NetworkMetered
)

func (n NetworkClass) String() string {
	if n == NetworkMetered {
		return "metered"
	}
	return "unmetered"
}
