package log

// Field names shared by every component.
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldSeries     = "series_id"
	FieldPeriod     = "period"
	FieldDimension  = "dimension"
	FieldEntry      = "entry_id"
	FieldRun        = "run_id"
)

// Component names.
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentEngine    = "engine"
	ComponentStorage   = "storage"
	ComponentEvents    = "events"
	ComponentScheduler = "scheduler"
)
