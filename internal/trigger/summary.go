package trigger

import "fmt"

// Summary renders a short human description of the event, used to build
// spawn instructions.
func (e Event) Summary() string {
	switch e.Kind {
	case KindFileChange:
		return fmt.Sprintf("File %s: %s", e.ChangeType, e.FilePath)
	case KindTimer:
		n, ok := e.Data["fire_count"]
		if !ok {
			n = "?"
		}
		return fmt.Sprintf("Timer tick #%v", n)
	case KindSessionEvent:
		origin := e.OriginID
		if origin == "" {
			origin = "unknown"
		}
		return fmt.Sprintf("Session event '%s' from %s", e.EventName, origin)
	case KindManual:
		return fmt.Sprintf("Manual trigger: %v", e.Data)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Data)
	}
}
