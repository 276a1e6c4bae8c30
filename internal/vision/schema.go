package vision

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas
var schemaFiles embed.FS

const playersSchemaURL = "https://pokerforge.dev/schemas/players.json"

var playersSchema = mustCompilePlayersSchema()

func mustCompilePlayersSchema() *jsonschema.Schema {
	data, err := schemaFiles.ReadFile("schemas/players.json")
	if err != nil {
		panic("vision: embedded players schema missing: " + err.Error())
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(playersSchemaURL, bytes.NewReader(data)); err != nil {
		panic("vision: failed to add players schema: " + err.Error())
	}
	schema, err := compiler.Compile(playersSchemaURL)
	if err != nil {
		panic("vision: failed to compile players schema: " + err.Error())
	}
	return schema
}

// DecodePlayersPayload parses and validates a raw phase-2 payload. Shape
// violations and broken cross-field invariants (a role holder who is not in
// the player list) are reported as ErrSchema.
func DecodePlayersPayload(raw []byte) (*PlayersPayload, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if err := playersSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	var payload PlayersPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if err := checkRoleInvariants(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func checkRoleInvariants(p *PlayersPayload) error {
	members := make(map[string]bool, len(p.Players))
	for _, name := range p.Players {
		members[name] = true
	}
	for _, role := range []struct {
		field, value string
	}{
		{"dealerPlayer", p.DealerPlayer},
		{"smallBlindPlayer", p.SmallBlindPlayer},
		{"bigBlindPlayer", p.BigBlindPlayer},
	} {
		if role.value != "" && !members[role.value] {
			return fmt.Errorf("%w: %s %q is not among the visible players", ErrSchema, role.field, role.value)
		}
	}
	if len(p.Stacks) > 0 && len(p.Stacks) != len(p.Players) {
		return fmt.Errorf("%w: %d stacks for %d players", ErrSchema, len(p.Stacks), len(p.Players))
	}
	return nil
}
