package stepflow

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeValidate(t *testing.T) {
	valid := Envelope{
		StepKind:      "deploy_token",
		TaskStatus:    TaskReadyToStart,
		CurrentStepID: 10,
		ParentStepID:  10,
	}
	if err := valid.Validate(); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		env  Envelope
	}{
		{name: "missing kind", env: Envelope{TaskStatus: TaskReadyToStart, CurrentStepID: 10, ParentStepID: 10}},
		{name: "missing current id", env: Envelope{StepKind: "deploy_token", TaskStatus: TaskReadyToStart, ParentStepID: 10}},
		{name: "missing parent id", env: Envelope{StepKind: "deploy_token", TaskStatus: TaskReadyToStart, CurrentStepID: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.env.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnvelopeWireFormat(t *testing.T) {
	b, err := json.Marshal(Envelope{
		StepKind:      "deploy_token",
		TaskStatus:    TaskDone,
		CurrentStepID: 10,
		ParentStepID:  3,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Field names are part of the wire contract with external publishers.
	want := `{"stepKind":"deploy_token","taskStatus":"taskDone","currentStepId":10,"parentStepId":3}`
	if string(b) != want {
		t.Fatalf("wire format changed:\ngot  %s\nwant %s", b, want)
	}
}
