package classify

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/aponysus/attribution/model"
)

const timestampInvalidCode = "timestamp_invalid"

// ResponseClassifier classifies replies from the app conversion attribution endpoint.
//
// Rules, in order:
//   - timeouts and unreachable networks are retryable;
//   - a 400 whose "errors" array holds "timestamp_invalid" is retryable and
//     asks for a timestamp correction;
//   - any other failed call is terminal;
//   - a readable body yields attributed or not attributed; anything that does
//     not parse is terminal with reason parse_failure.
type ResponseClassifier struct{}

func (ResponseClassifier) Classify(body []byte, err error) Outcome {
	if err != nil {
		return classifyFailure(err)
	}
	return classifyBody(body)
}

func classifyFailure(err error) Outcome {
	kind, te := KindOf(err)
	switch kind {
	case KindTimeout:
		return Outcome{Kind: OutcomeRetryable, Reason: ReasonTimeout}
	case KindNetworkUnreachable:
		return Outcome{Kind: OutcomeRetryable, Reason: ReasonNetworkUnreachable}
	case KindClientError:
		return classifyClientError(te)
	default:
		return Outcome{
			Kind:       OutcomeTerminal,
			Reason:     ReasonTransportError,
			Attributes: map[string]string{"error": err.Error()},
		}
	}
}

func classifyClientError(te TransportError) Outcome {
	status := 0
	var body []byte
	if te != nil {
		status = te.HTTPStatusCode()
		body = te.ResponseBody()
	}

	out := Outcome{
		Kind:   OutcomeTerminal,
		Reason: ReasonClientError,
		Attributes: map[string]string{
			"status": strconv.Itoa(status),
		},
	}
	if status != 400 {
		return out
	}

	codes, ok := errorCodes(body)
	if !ok {
		return out
	}
	out.Attributes["errors"] = strings.Join(codes, ",")
	for _, c := range codes {
		if c == timestampInvalidCode {
			out.Kind = OutcomeRetryable
			out.Reason = ReasonTimestampInvalid
			out.BackoffCorrection = true
			return out
		}
	}
	return out
}

// errorCodes returns the entries of the top-level "errors" array of body.
func errorCodes(body []byte) ([]string, bool) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil, false
	}
	arr := gjson.GetBytes(body, "errors")
	if !arr.IsArray() {
		return nil, false
	}
	var codes []string
	arr.ForEach(func(_, v gjson.Result) bool {
		codes = append(codes, v.String())
		return true
	})
	return codes, true
}

func classifyBody(body []byte) Outcome {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return parseFailure("body", "invalid_json")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return parseFailure("body", "not_an_object")
	}

	attributed, ok := boolField(root.Get("attributed"))
	if !ok {
		return parseFailure("attributed", "not_a_bool")
	}
	if !attributed {
		return Outcome{Kind: OutcomeNotAttributed, Reason: ReasonNotAttributed}
	}

	adEvents := root.Get("ad_events")
	if !adEvents.IsArray() {
		return parseFailure("ad_events", "not_an_array")
	}

	entries := adEvents.Array()
	events := make([]model.ClickEvent, 0, len(entries))
	for i, entry := range entries {
		ev, field, ok := parseClickEvent(entry)
		if !ok {
			out := parseFailure(field, "invalid_field")
			out.Attributes["index"] = strconv.Itoa(i)
			return out
		}
		events = append(events, ev)
	}

	return Outcome{
		Kind:   OutcomeAttributed,
		Reason: ReasonAttributed,
		Events: events,
		Attributes: map[string]string{
			"ad_events": strconv.Itoa(len(events)),
		},
	}
}

func parseClickEvent(entry gjson.Result) (model.ClickEvent, string, bool) {
	if !entry.IsObject() {
		return model.ClickEvent{}, "ad_events", false
	}

	ts, ok := floatField(entry.Get("timestamp"))
	if !ok {
		return model.ClickEvent{}, "timestamp", false
	}

	var ev model.ClickEvent
	ev.ClickTimestamp = ts

	fields := []struct {
		name string
		dst  *string
	}{
		{"campaign_id", &ev.CampaignID},
		{"campaign_name", &ev.CampaignName},
		{"ad_group_id", &ev.AdGroupID},
		{"ad_group_name", &ev.AdGroupName},
	}
	for _, f := range fields {
		v, ok := stringField(entry.Get(f.name))
		if !ok {
			return model.ClickEvent{}, f.name, false
		}
		*f.dst = v
	}
	return ev, "", true
}

func boolField(r gjson.Result) (bool, bool) {
	switch r.Type {
	case gjson.True:
		return true, true
	case gjson.False:
		return false, true
	case gjson.String:
		switch strings.ToLower(r.Str) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// floatField accepts JSON numbers and numeric strings.
func floatField(r gjson.Result) (float64, bool) {
	switch r.Type {
	case gjson.Number:
		v, err := strconv.ParseFloat(r.Raw, 64)
		return v, err == nil
	case gjson.String:
		v, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		return v, err == nil
	default:
		return 0, false
	}
}

// stringField accepts JSON strings and numbers; numbers keep their literal text
// so large ids are not rounded through float64.
func stringField(r gjson.Result) (string, bool) {
	switch r.Type {
	case gjson.String:
		return r.Str, true
	case gjson.Number:
		return r.Raw, true
	default:
		return "", false
	}
}

func parseFailure(field, detail string) Outcome {
	return Outcome{
		Kind:   OutcomeTerminal,
		Reason: ReasonParseFailure,
		Attributes: map[string]string{
			"field":  field,
			"detail": detail,
		},
	}
}
