package router

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

func newRouter() *Router { return New(NewRegistry(DefaultTools()...), nil) }

func TestRoute_AcceptedShapes(t *testing.T) {
	r := newRouter()
	cases := map[string]string{
		"call":            `{"call":"start_inspection"}`,
		"call args":       `{"call":"start_inspection","arguments":{"reason":"motion"}}`,
		"name parameters": `{"name":"start_inspection","parameters":{"timeout_s":30}}`,
		"function object": `{"function":{"name":"start_inspection","arguments":"{\"reason\":\"user asked\"}"}}`,
		"tool_calls":      `{"tool_calls":[{"id":"c1","type":"function","function":{"name":"start_inspection","arguments":"{}"}}]}`,
		"fenced":          "```json\n{\"call\":\"start_inspection\"}\n```",
		"think prefix":    "<think>user wants a scan</think>\n{\"call\":\"start_inspection\"}",
		"prose":           `Sure, launching now. {"call":"start_inspection","arguments":{"reason":"asked"}} Stand by.`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			call, err := r.Parse(in)
			require.NoError(t, err)
			assert.Equal(t, entities.ToolStartInspection, call.Name)
		})
	}
}

func TestRoute_ArgumentsDecoded(t *testing.T) {
	call := newRouter().Route(`{"call":"start_inspection","arguments":{"reason":"motion","timeout_s":45}}`)
	require.Equal(t, entities.ToolStartInspection, call.Name)
	reason, ok := call.String("reason")
	assert.True(t, ok)
	assert.Equal(t, "motion", reason)
	timeout, ok := call.Number("timeout_s")
	assert.True(t, ok)
	assert.Equal(t, 45.0, timeout)
}

func TestRoute_PlainText(t *testing.T) {
	call, err := newRouter().Parse("  <think>hmm</think> The room looks fine.  ")
	require.NoError(t, err)
	assert.True(t, call.IsNone())
	assert.Equal(t, "The room looks fine.", call.Text)
}

func TestRoute_MessageShapeIsReply(t *testing.T) {
	call, err := newRouter().Parse("```json\n{\"message\":\"Motion detected: Start drone inspection?(Y/N)\",\"leds\":\"off\",\"motion_detected\":true}\n```")
	require.NoError(t, err)
	assert.True(t, call.IsNone())
	assert.Equal(t, "Motion detected: Start drone inspection?(Y/N)", call.Text)
}

func TestRoute_NoneCallUsesMessage(t *testing.T) {
	call, err := newRouter().Parse(`{"call":"none","message":"hello"}`)
	require.NoError(t, err)
	assert.True(t, call.IsNone())
	assert.Equal(t, "hello", call.Text)
}

func TestRoute_NoneCallWithoutMessageIsEmpty(t *testing.T) {
	for _, in := range []string{`{"call":"none"}`, "```json\n{\"call\":\"none\",\"arguments\":{}}\n```"} {
		call, err := newRouter().Parse(in)
		require.NoError(t, err, in)
		assert.True(t, call.IsNone(), in)
		assert.Empty(t, call.Text, in)
	}
}

func TestRoute_DegradesAndPreservesOriginal(t *testing.T) {
	r := newRouter()
	cases := []struct {
		in   string
		kind error
	}{
		{`{"call":"self_destruct"}`, ErrUnknownFunction},
		{` {"function":{"name":"open_window","arguments":{}}} `, ErrUnknownFunction},
		{`{"call":"start_inspection","arguments":{"timeout_s":"soon"}}`, ErrInvalidArgs},
		{`{"call":"start_inspection","arguments":{"timeout_s":1}}`, ErrInvalidArgs},
		{`{"call":"start_inspection","arguments":{"timeout_s":9000}}`, ErrInvalidArgs},
		{`{"call":"start_inspection","arguments":{"altitude":3}}`, ErrInvalidArgs},
		{`{"call":"report_status","arguments":{"verbose":true}}`, ErrInvalidArgs},
		{`{"call":"start_inspection","arguments":"{broken"}`, ErrMalformed},
		{`{"call":"start_inspection","arguments":[1,2]}`, ErrMalformed},
		{`{"call": "start_inspection"`, ErrMalformed},
		{`{"foo":"bar"}`, ErrMalformed},
		{`{"call":42}`, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			call, err := r.Parse(tc.in)
			require.Error(t, err)
			var pf *ParseFailure
			require.True(t, errors.As(err, &pf))
			assert.ErrorIs(t, err, tc.kind)
			assert.Equal(t, entities.ToolNone, call.Name)
			assert.Equal(t, tc.in, call.Text)
			assert.Empty(t, call.Arguments)

			// Route never surfaces the error
			assert.Equal(t, call, r.Route(tc.in))
		})
	}
}

func TestRoute_MissingRequiredArgument(t *testing.T) {
	reg := NewRegistry(Tool{
		Name: "set_led",
		Args: []Arg{{Name: "color", Type: TypeString, Required: true}},
	})
	r := New(reg, nil)

	call, err := r.Parse(`{"call":"set_led"}`)
	assert.ErrorIs(t, err, ErrInvalidArgs)
	assert.True(t, call.IsNone())

	call, err = r.Parse(`{"call":"set_led","arguments":{"color":"red"}}`)
	require.NoError(t, err)
	assert.Equal(t, entities.ToolName("set_led"), call.Name)
}

func TestRoute_Idempotent(t *testing.T) {
	r := newRouter()
	inputs := []string{
		`{"call":"start_inspection","arguments":{"reason":"x","timeout_s":20}}`,
		`{"tool_calls":[{"function":{"name":"report_status","arguments":"{}"}}]}`,
		`{"call":"reset_indicator"}`,
	}
	for _, in := range inputs {
		assert.Equal(t, r.Route(in), r.Route(in))
	}
}

func TestRoute_EmbeddedObjectWithoutCallKeyIsReply(t *testing.T) {
	in := `The reading was {"temperature": 21} degrees.`
	call, err := newRouter().Parse(in)
	require.NoError(t, err)
	assert.True(t, call.IsNone())
	assert.Equal(t, in, call.Text)
}

func TestDefinitions(t *testing.T) {
	reg := NewRegistry(DefaultTools()...)
	all := reg.Definitions()
	require.Len(t, all, 3)
	assert.Equal(t, "start_inspection", all[0].Function.Name)

	only := reg.Definitions(entities.ToolReportStatus)
	require.Len(t, only, 1)
	assert.Equal(t, "function", only[0].Type)

	b, err := json.Marshal(all[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), `"timeout_s"`)
	assert.Contains(t, string(b), `"maximum":300`)
}
