package background

import (
	"fmt"
	"strings"

	"triggerd/internal/trigger"
)

// buildInstruction renders tmpl for ev. Unknown placeholders are left as is.
func buildInstruction(tmpl string, ev trigger.Event) string {
	r := strings.NewReplacer(
		"{event_summary}", ev.Summary(),
		"{event_type}", string(ev.Kind),
		"{event_data}", fmt.Sprint(ev.Data),
		"{trigger_source}", ev.Source,
	)
	return r.Replace(tmpl)
}
