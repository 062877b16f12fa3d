package extract

import (
	"strings"
	"testing"
)

func TestWireResponseTriplets(t *testing.T) {
	res := WireResponse{
		Triplets: []WireTriplet{{
			Node1: WireNode{
				ID:   " alan_turing ",
				Type: "PERSON",
				Attributes: []WireAttribute{
					{Name: "field", Value: "mathematics"},
					{Name: "field", Value: "cryptography"},
					{Name: "", Value: "dropped"},
				},
			},
			Relationship: " worked_at ",
			Node2:        WireNode{ID: "bletchley_park", Type: "LOCATION"},
		}},
	}

	triplets := res.ToTriplets()
	if len(triplets) != 1 {
		t.Fatalf("expected 1 triplet, got %d", len(triplets))
	}
	tr := triplets[0]
	if tr.Node1.ID != "alan_turing" {
		t.Fatalf("expected trimmed node id, got %q", tr.Node1.ID)
	}
	if tr.Relationship != "worked_at" {
		t.Fatalf("expected trimmed relationship, got %q", tr.Relationship)
	}
	if tr.Node1.Attributes["type"] != "PERSON" {
		t.Fatalf("entity type must fold into attributes, got %v", tr.Node1.Attributes)
	}
	if tr.Node1.Attributes["field"] != "mathematics" {
		t.Fatalf("first attribute occurrence must win, got %q", tr.Node1.Attributes["field"])
	}
	if len(tr.Node1.Attributes) != 2 {
		t.Fatalf("nameless attributes must be dropped, got %v", tr.Node1.Attributes)
	}
}

func TestUnmarshalFlexible(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"plain", `{"triplets":[]}`},
		{"double_encoded", `"{\"triplets\":[]}"`},
		{"trailing_comma", `{"triplets":[],}`},
		{"fenced", "```json\n{\"triplets\":[]}\n```"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var out WireResponse
			if err := UnmarshalFlexible(c.input, &out); err != nil {
				t.Fatalf("failed to unmarshal %q: %v", c.input, err)
			}
		})
	}
}

func TestSystemPromptFallsBackToDefaultTypes(t *testing.T) {
	prompt := SystemPrompt(Schema{})
	for _, typ := range DefaultEntityTypes {
		if !strings.Contains(prompt, typ) {
			t.Fatalf("prompt missing default entity type %q", typ)
		}
	}
}
