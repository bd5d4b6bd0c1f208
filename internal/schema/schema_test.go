package schema_test

import (
	"bytes"
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/livesync/internal/schema"
)

var _ = Describe("Generate", func() {
	It("covers every frame and notification", func() {
		var names []string
		for _, d := range schema.Generate() {
			names = append(names, d.Channel+"/"+d.Name)
		}
		Expect(names).To(Equal([]string{
			"notifications/conv_updated",
			"notifications/new_message",
			"presence/heartbeat",
			"presence/navigate",
			"presence/presence_event",
			"presence/presence_update",
			"presence/register",
			"presence/status",
			"presence/typing",
			"presence/viewing",
		}))
	})

	It("describes the status enum", func() {
		doc, ok := schema.Find("status")
		Expect(ok).To(BeTrue())
		Expect(doc.Direction).To(Equal(schema.Outbound))

		status, ok := doc.Schema.Properties.Get("status")
		Expect(ok).To(BeTrue())
		Expect(status.Enum).To(ConsistOf("online", "away", "offline"))
	})

	It("marks the register identity fields", func() {
		doc, _ := schema.Find("register")
		_, ok := doc.Schema.Properties.Get("userId")
		Expect(ok).To(BeTrue())
		Expect(doc.Schema.Required).To(ContainElement("userId"))
	})

	It("writes valid JSON", func() {
		var buf bytes.Buffer
		Expect(schema.Write(&buf, schema.Generate())).To(Succeed())

		var out []map[string]any
		Expect(json.Unmarshal(buf.Bytes(), &out)).To(Succeed())
		Expect(out).To(HaveLen(10))
	})
})
