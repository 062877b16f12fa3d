package extract

import (
	"fmt"
	"strings"

	"github.com/loomkg/loom/pkg/common"
)

// WireAttribute is one descriptive attribute of an extracted entity.
// Attributes travel as name/value pairs because strict structured-output
// schemas cannot express open-ended JSON maps.
type WireAttribute struct {
	Name  string `json:"name" jsonschema_description:"Attribute name, lowercase snake_case"`
	Value string `json:"value" jsonschema_description:"Attribute value as plain text"`
}

// WireNode is one end of a triplet as returned by the model.
type WireNode struct {
	ID         string          `json:"id" jsonschema_description:"Stable identifier for the entity: its canonical name, lowercase, words joined by underscores"`
	Type       string          `json:"type" jsonschema_description:"One of the provided entity types"`
	Attributes []WireAttribute `json:"attributes" jsonschema_description:"Descriptive attributes of the entity found in the text"`
}

// WireTriplet is one extracted fact as returned by the model.
type WireTriplet struct {
	Node1        WireNode `json:"node1" jsonschema_description:"Subject entity of the fact"`
	Relationship string   `json:"relationship" jsonschema_description:"Verb phrase connecting the two entities, lowercase"`
	Node2        WireNode `json:"node2" jsonschema_description:"Object entity of the fact"`
}

// WireResponse is the full structured-output payload for one extraction
// request.
type WireResponse struct {
	Triplets []WireTriplet `json:"triplets" jsonschema_description:"Facts identified in the text, in order of appearance"`
}

// ToTriplets converts the wire payload into domain triplets, folding the
// entity type and attribute pairs into each node's attribute map.
func (r *WireResponse) ToTriplets() []common.Triplet {
	out := make([]common.Triplet, 0, len(r.Triplets))
	for _, wt := range r.Triplets {
		out = append(out, common.Triplet{
			Node1:        wt.Node1.node(),
			Relationship: strings.TrimSpace(wt.Relationship),
			Node2:        wt.Node2.node(),
		})
	}
	return out
}

func (n WireNode) node() common.TripletNode {
	attrs := make(map[string]string, len(n.Attributes)+1)
	if n.Type != "" {
		attrs["type"] = n.Type
	}
	for _, a := range n.Attributes {
		if a.Name == "" {
			continue
		}
		// First occurrence wins for duplicate attribute names.
		if _, exists := attrs[a.Name]; exists {
			continue
		}
		attrs[a.Name] = a.Value
	}
	return common.TripletNode{
		ID:         strings.TrimSpace(n.ID),
		Attributes: attrs,
	}
}

const extractPromptTemplate = `You are an information extraction system. Read the provided text and extract every factual relationship between entities as triplets.

Entity types to use: %s

Rules:
- An entity id is its canonical name: lowercase, words joined by underscores.
- Use the same id for every mention of the same entity, including pronouns resolved from context.
- The relationship is a short lowercase verb phrase, e.g. "works_at" or "located_in".
- Extract attributes only when the text states them, never from outside knowledge.
- Report facts in the order they appear in the text.`

// SystemPrompt renders the extraction instructions for a schema.
func SystemPrompt(schema Schema) string {
	types := schema.EntityTypes
	if len(types) == 0 {
		types = DefaultEntityTypes
	}
	return fmt.Sprintf(extractPromptTemplate, strings.Join(types, ","))
}
