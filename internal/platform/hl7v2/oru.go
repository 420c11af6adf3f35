package hl7v2

// ObservationRequest is one OBR segment.
type ObservationRequest struct {
	PlacerOrderNumber string `json:"placer_order_number,omitempty"`
	FillerOrderNumber string `json:"filler_order_number,omitempty"`
	ServiceID         string `json:"service_id,omitempty"`
	ServiceName       string `json:"service_name,omitempty"`
	ObservedAt        string `json:"observed_at,omitempty"`
}

// Observation is one OBX segment. Request is the index into
// ORUMessage.Requests of the OBR that precedes it, or -1.
type Observation struct {
	SetID          string `json:"set_id,omitempty"`
	ValueType      string `json:"value_type,omitempty"`
	TestID         string `json:"test_id"`
	TestName       string `json:"test_name,omitempty"`
	CodingSystem   string `json:"coding_system,omitempty"`
	Value          string `json:"value,omitempty"`
	Units          string `json:"units,omitempty"`
	ReferenceRange string `json:"reference_range,omitempty"`
	AbnormalFlag   string `json:"abnormal_flag,omitempty"`
	ResultStatus   string `json:"result_status,omitempty"`
	ObservedAt     string `json:"observed_at,omitempty"`
	Request        int    `json:"request"`
}

// ORUMessage is the observation-result view of a message.
type ORUMessage struct {
	MessageType  string               `json:"message_type"`
	PatientID    string               `json:"patient_id"`
	Requests     []ObservationRequest `json:"requests"`
	Observations []Observation        `json:"observations"`
}

// ORUFromMessage extracts the ORU view. Observations keep message order; a
// message without OBX segments yields an empty slice.
func ORUFromMessage(msg *Message) (*ORUMessage, error) {
	if !msg.IsORU() {
		return nil, wrongType("ORU", msg)
	}

	pid := msg.GetSegment("PID")
	if pid == nil {
		return nil, &ViewError{View: "ORU", Field: "PID", Err: ErrMissingRequiredField}
	}
	patientID := pid.GetComponent(3, 1)
	if patientID == "" {
		return nil, &ViewError{View: "ORU", Field: "PID-3", Err: ErrMissingRequiredField}
	}

	oru := &ORUMessage{
		MessageType:  clone(msg.MessageType()),
		PatientID:    clone(patientID),
		Requests:     []ObservationRequest{},
		Observations: []Observation{},
	}

	request := -1
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Name {
		case "OBR":
			oru.Requests = append(oru.Requests, ObservationRequest{
				PlacerOrderNumber: clone(seg.GetComponent(2, 1)),
				FillerOrderNumber: clone(seg.GetComponent(3, 1)),
				ServiceID:         clone(seg.GetComponent(4, 1)),
				ServiceName:       clone(seg.GetComponent(4, 2)),
				ObservedAt:        clone(seg.GetComponent(7, 1)),
			})
			request = len(oru.Requests) - 1
		case "OBX":
			testID := seg.GetComponent(3, 1)
			if testID == "" {
				return nil, &ViewError{View: "ORU", Field: "OBX-3", Err: ErrMissingRequiredField}
			}
			oru.Observations = append(oru.Observations, Observation{
				SetID:          clone(seg.GetField(1)),
				ValueType:      clone(seg.GetField(2)),
				TestID:         clone(testID),
				TestName:       clone(seg.GetComponent(3, 2)),
				CodingSystem:   clone(seg.GetComponent(3, 3)),
				Value:          observationValue(seg),
				Units:          clone(seg.GetComponent(6, 1)),
				ReferenceRange: clone(seg.GetField(7)),
				AbnormalFlag:   clone(seg.GetField(8)),
				ResultStatus:   clone(seg.GetField(11)),
				ObservedAt:     clone(seg.GetComponent(14, 1)),
				Request:        request,
			})
		}
	}

	return oru, nil
}

// observationValue returns OBX-5 decoded when it is a single value. Coded and
// composite values (CE, SN, repeated ST) come back as encoded so their
// structure survives.
func observationValue(seg *Segment) string {
	f := seg.Field(5)
	if len(f.Repetitions) == 1 && len(f.Repetitions[0].Components) == 1 {
		return clone(seg.GetField(5))
	}
	return seg.Raw(5)
}
