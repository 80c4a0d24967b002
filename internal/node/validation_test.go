package node

import (
	"errors"
	"strings"
	"testing"
)

func TestNode_Validate(t *testing.T) {
	tests := []struct {
		name    string
		node    Node
		wantErr error
	}{
		{"valid", Node{SetID: testSetID, NodeID: testNodeID, Name: "Boiler"}, nil},
		{"valid measurement", Node{SetID: testSetID, NodeID: testNodeID, Measurement: "soil_moisture"}, nil},
		{"missing set id", Node{NodeID: testNodeID}, ErrInvalidNode},
		{"missing node id", Node{SetID: testSetID}, ErrInvalidNode},
		{"uppercase set id", Node{SetID: strings.ToUpper(testSetID), NodeID: testNodeID}, ErrInvalidObjectID},
		{"short node id", Node{SetID: testSetID, NodeID: "65a1b2"}, ErrInvalidObjectID},
		{"topic wildcard in node id", Node{SetID: testSetID, NodeID: "65a1b2c3d4e5f6a7b8c9d0#"}, ErrInvalidObjectID},
		{"name too long", Node{SetID: testSetID, NodeID: testNodeID, Name: strings.Repeat("x", MaxNameLength+1)}, ErrInvalidName},
		{"name at limit", Node{SetID: testSetID, NodeID: testNodeID, Name: strings.Repeat("å", MaxNameLength)}, nil},
		{"measurement with space", Node{SetID: testSetID, NodeID: testNodeID, Measurement: "soil moisture"}, ErrInvalidMeasurement},
		{"measurement leading digit", Node{SetID: testSetID, NodeID: testNodeID, Measurement: "1soil"}, ErrInvalidMeasurement},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.node.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNode_Topic(t *testing.T) {
	n := Node{SetID: testSetID, NodeID: testNodeID}
	want := "yggio/output/v2/" + testSetID + "/iotnode/" + testNodeID
	if got := n.Topic(); got != want {
		t.Errorf("Topic() = %q, want %q", got, want)
	}
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	if !strings.HasPrefix(a, "nod-") || len(a) != len("nod-")+36 {
		t.Errorf("GenerateID() = %q, want nod-<uuid>", a)
	}
	if a == b {
		t.Error("GenerateID() returned the same ID twice")
	}
}
