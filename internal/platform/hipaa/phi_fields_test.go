package hipaa

import (
	"testing"
)

func TestNewSchema(t *testing.T) {
	tests := []struct {
		name    string
		table   []SensitiveAttribute
		wantErr bool
	}{
		{
			name:  "valid",
			table: testRecordPHI,
		},
		{
			name:    "empty entity",
			table:   []SensitiveAttribute{{Attribute: "ssn", Mode: ModeDeterministic}},
			wantErr: true,
		},
		{
			name:    "empty attribute",
			table:   []SensitiveAttribute{{Entity: "patient", Mode: ModeDeterministic}},
			wantErr: true,
		},
		{
			name:    "unknown mode",
			table:   []SensitiveAttribute{{Entity: "patient", Attribute: "ssn", Mode: "ROT13"}},
			wantErr: true,
		},
		{
			name: "duplicate",
			table: []SensitiveAttribute{
				{Entity: "patient", Attribute: "ssn", Mode: ModeDeterministic},
				{Entity: "patient", Attribute: "ssn", Mode: ModeRandom},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchema(tt.table)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSchema err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchema_Lookup(t *testing.T) {
	s := MustSchema(testRecordPHI, []SensitiveAttribute{
		{Entity: "note", Attribute: "body", Mode: ModeRandom, KeyName: "clinical.body"},
	})

	attr, ok := s.Lookup("record", "ssn")
	if !ok || attr.Mode != ModeDeterministic {
		t.Fatalf("Lookup(record.ssn) = %+v, %v", attr, ok)
	}
	if attr.LogicalKey() != "record.ssn" {
		t.Errorf("default LogicalKey = %q", attr.LogicalKey())
	}

	body, _ := s.Lookup("note", "body")
	if body.LogicalKey() != "clinical.body" {
		t.Errorf("explicit LogicalKey = %q", body.LogicalKey())
	}

	if _, ok := s.Lookup("record", "name"); ok {
		t.Error("undeclared attribute must not be found")
	}

	entities := s.Entities()
	if len(entities) != 2 || entities[0] != "note" || entities[1] != "record" {
		t.Errorf("Entities = %v", entities)
	}

	paths := s.PHIFieldPaths()
	for _, p := range []string{"record.ssn", "record.email", "record.notes", "note.body"} {
		if !paths[p] {
			t.Errorf("expected %q in PHIFieldPaths", p)
		}
	}
}

func TestMustSchema_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustSchema([]SensitiveAttribute{{Entity: "x"}})
}
