package notify

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	sensors "sensor-health/internal/sensors/domain"
)

const DefaultSubjectTemplate = `[{{.StatusLabel}}] {{.Sensor}}{{ if .Value }}: {{.Value}}{{.Unit}}{{ end }}`

const DefaultTemplate = `[Sensor {{.StatusLabel}}]
Sensor: {{.Sensor}}
Current Value: {{ if .Value }}{{.Value}}{{.Unit}}{{ else }}no reading{{ end }}
Range: {{.Range}}
Status: {{.Status}}
Since: {{.StintStart}}
Detected: {{.DetectedAt}}
Suggestion: {{.Suggestion}}
{{ if .DashboardURL }}
Dashboard: {{.DashboardURL}}
{{ end }}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Sensor       string
	SensorID     string
	Value        string
	Unit         string
	Range        string
	Status       string
	StatusLabel  string
	Category     string
	StintStart   string
	DetectedAt   string
	Suggestion   string
	DashboardURL string
}

// Template renders notification subject and body.
type Template struct {
	subject      *template.Template
	body         *template.Template
	dashboardURL string
}

// TemplateOption configures a Template.
type TemplateOption func(*Template)

// WithDashboardURL sets the base URL linked from notifications. The sensor id is appended.
func WithDashboardURL(base string) TemplateOption {
	return func(t *Template) {
		t.dashboardURL = strings.TrimRight(base, "/")
	}
}

// NewTemplate parses notification templates, falling back to the defaults.
func NewTemplate(subject, body string, opts ...TemplateOption) (*Template, error) {
	if subject == "" {
		subject = DefaultSubjectTemplate
	}
	if body == "" {
		body = DefaultTemplate
	}
	parsedSubject, err := template.New("sensor-alert-subject").Parse(subject)
	if err != nil {
		return nil, err
	}
	parsedBody, err := template.New("sensor-alert").Parse(body)
	if err != nil {
		return nil, err
	}
	t := &Template{subject: parsedSubject, body: parsedBody}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Render applies the templates to data.
func (t *Template) Render(data TemplateData) (string, string, error) {
	if t == nil || t.subject == nil || t.body == nil {
		return "", "", errors.New("alert template: nil")
	}
	var subject, body bytes.Buffer
	if err := t.subject.Execute(&subject, data); err != nil {
		return "", "", err
	}
	if err := t.body.Execute(&body, data); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(subject.String()), body.String(), nil
}

// RenderAlert implements the dispatcher's renderer.
func (t *Template) RenderAlert(alert sensors.Alert) (string, string, error) {
	if t == nil {
		return "", "", errors.New("alert template: nil")
	}
	return t.Render(buildTemplateData(alert, t.dashboardURL))
}

func buildTemplateData(alert sensors.Alert, dashboardURL string) TemplateData {
	state := alert.Sensor
	value := ""
	if state.Value != nil {
		value = formatFloat(*state.Value)
	}
	link := ""
	if dashboardURL != "" {
		link = dashboardURL + "/" + state.ID
	}
	return TemplateData{
		Sensor:       state.DisplayName(),
		SensorID:     state.ID,
		Value:        value,
		Unit:         state.Unit,
		Range:        rangeText(state.Thresholds, state.Unit),
		Status:       string(alert.Status),
		StatusLabel:  statusLabel(alert.Status),
		Category:     string(alert.Category),
		StintStart:   formatTime(alert.StintStart),
		DetectedAt:   formatTime(alert.DetectedAt),
		Suggestion:   suggestionFor(alert),
		DashboardURL: link,
	}
}

func rangeText(th sensors.Thresholds, unit string) string {
	if !th.Complete() {
		return "not configured"
	}
	text := fmt.Sprintf("%s%s to %s%s", formatFloat(*th.MinLimit), unit, formatFloat(*th.MaxLimit), unit)
	if th.WarningPercent != nil {
		text += fmt.Sprintf(" (warning band %s%%)", formatFloat(*th.WarningPercent))
	}
	return text
}

func statusLabel(status sensors.Status) string {
	switch status {
	case sensors.StatusAlert:
		return "Alert"
	case sensors.StatusOffline:
		return "Offline"
	case sensors.StatusWarning:
		return "Warning"
	case sensors.StatusOK:
		return "OK"
	default:
		return "Unknown"
	}
}

func suggestionFor(alert sensors.Alert) string {
	if alert.Status == sensors.StatusOffline {
		return "Check power and connectivity of the device."
	}
	state := alert.Sensor
	if state.Value != nil && state.Thresholds.Complete() {
		if *state.Value > *state.Thresholds.MaxLimit {
			return "Reading is above the maximum limit. Inspect the environment immediately."
		}
		if *state.Value < *state.Thresholds.MinLimit {
			return "Reading is below the minimum limit. Inspect the environment immediately."
		}
	}
	return "Verify the sensor and its thresholds."
}

func formatFloat(value float64) string {
	return fmt.Sprintf("%.2f", value)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
