package dialect

import (
	"encoding/json"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// TestAnthropicRoundTripLaw exercises spec §8's translation law: an
// Anthropic request normalized into the canonical Envelope and then
// rendered back out as an Anthropic response must preserve the
// assistant's reply text, model id, and role unchanged — translating in
// and back out never silently drops or mutates content.
func TestAnthropicRoundTripLaw(t *testing.T) {
	Convey("given an Anthropic /v1/messages request", t, func() {
		body := []byte(`{
			"model": "claude-3-5-sonnet",
			"max_tokens": 256,
			"messages": [
				{"role": "user", "content": "what is the capital of France?"}
			]
		}`)

		Convey("normalizing into the canonical envelope preserves the model and message", func() {
			env, aerr := NormalizeAnthropicRequest(body)
			So(aerr, ShouldBeNil)
			So(env.Model, ShouldEqual, "claude-3-5-sonnet")
			So(env.Messages, ShouldHaveLength, 1)
			So(env.Messages[0].Role, ShouldEqual, string(RoleUser))
			So(ContentAsPlainText(env.Messages[0].Content), ShouldEqual, "what is the capital of France?")

			Convey("and rendering a reply back out as an Anthropic response preserves that reply's text", func() {
				reply := Message{Role: string(RoleAssistant), Content: TextContent("Paris.")}
				resp := ToAnthropicResponse("msg_1", env.Model, reply, "stop", AnthropicUsage{InputTokens: 12, OutputTokens: 3})

				So(resp.Model, ShouldEqual, env.Model)
				So(resp.Role, ShouldEqual, string(RoleAssistant))
				So(resp.Content, ShouldHaveLength, 1)
				So(resp.Content[0].Type, ShouldEqual, "text")
				So(resp.Content[0].Text, ShouldEqual, "Paris.")

				Convey("and the response round-trips through JSON without losing the text", func() {
					data, err := json.Marshal(resp)
					So(err, ShouldBeNil)

					var decoded AnthropicResponse
					So(json.Unmarshal(data, &decoded), ShouldBeNil)
					So(decoded.Content[0].Text, ShouldEqual, "Paris.")
				})
			})
		})
	})
}

// TestAnthropicSystemPromptRoundTrip verifies the system field survives
// normalization as a distinct leading message rather than being merged
// into the first user turn or dropped.
func TestAnthropicSystemPromptRoundTrip(t *testing.T) {
	Convey("given a request carrying a system prompt", t, func() {
		body := []byte(`{
			"model": "claude-3-5-sonnet",
			"max_tokens": 64,
			"system": "You are a terse assistant.",
			"messages": [{"role": "user", "content": "hi"}]
		}`)

		Convey("the system prompt becomes a leading system-role message", func() {
			env, aerr := NormalizeAnthropicRequest(body)
			So(aerr, ShouldBeNil)
			So(env.Messages, ShouldHaveLength, 2)
			So(env.Messages[0].Role, ShouldEqual, string(RoleSystem))
			So(ContentAsPlainText(env.Messages[0].Content), ShouldEqual, "You are a terse assistant.")
			So(env.Messages[1].Role, ShouldEqual, string(RoleUser))
		})
	})
}
