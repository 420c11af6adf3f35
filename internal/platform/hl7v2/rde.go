package hl7v2

// MedicationOrder is one RXE segment plus the RXR segments that follow it.
// Every field is optional.
type MedicationOrder struct {
	GiveCodeID     string `json:"give_code_id,omitempty"`
	MedicationName string `json:"medication_name,omitempty"`
	CodingSystem   string `json:"coding_system,omitempty"`
	Dosage         string `json:"dosage,omitempty"`
	DosageUnits    string `json:"dosage_units,omitempty"`
	DosageForm     string `json:"dosage_form,omitempty"`
	Frequency      string `json:"frequency,omitempty"`
	StartDateTime  string `json:"start_datetime,omitempty"`
	StopDateTime   string `json:"stop_datetime,omitempty"`
	DispenseAmount string `json:"dispense_amount,omitempty"`
	DispenseUnits  string `json:"dispense_units,omitempty"`
	Route          string `json:"route,omitempty"`
}

// RDEMessage is the pharmacy encoded-order view of a message.
type RDEMessage struct {
	MessageType  string            `json:"message_type"`
	PatientID    string            `json:"patient_id"`
	OrderControl string            `json:"order_control,omitempty"`
	OrderNumber  string            `json:"order_number,omitempty"`
	Medications  []MedicationOrder `json:"medications"`
}

// RDEFromMessage extracts the RDE view. Each RXE starts a new medication order
// and RXR segments attach to the order before them.
func RDEFromMessage(msg *Message) (*RDEMessage, error) {
	if !msg.IsRDE() {
		return nil, wrongType("RDE", msg)
	}

	pid := msg.GetSegment("PID")
	if pid == nil {
		return nil, &ViewError{View: "RDE", Field: "PID", Err: ErrMissingRequiredField}
	}
	patientID := pid.GetComponent(3, 1)
	if patientID == "" {
		return nil, &ViewError{View: "RDE", Field: "PID-3", Err: ErrMissingRequiredField}
	}

	rde := &RDEMessage{
		MessageType: clone(msg.MessageType()),
		PatientID:   clone(patientID),
		Medications: []MedicationOrder{},
	}
	if orc := msg.GetSegment("ORC"); orc != nil {
		rde.OrderControl = clone(orc.GetField(1))
		rde.OrderNumber = clone(orc.GetComponent(2, 1))
	}

	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Name {
		case "RXE":
			rde.Medications = append(rde.Medications, MedicationOrder{
				GiveCodeID:     clone(seg.GetComponent(2, 1)),
				MedicationName: clone(seg.GetComponent(2, 2)),
				CodingSystem:   clone(seg.GetComponent(2, 3)),
				Dosage:         clone(seg.GetField(3)),
				DosageUnits:    clone(seg.GetComponent(5, 1)),
				DosageForm:     clone(seg.GetComponent(6, 1)),
				Frequency:      clone(seg.GetComponent(1, 2)),
				StartDateTime:  clone(seg.GetComponent(1, 4)),
				StopDateTime:   clone(seg.GetComponent(1, 5)),
				DispenseAmount: clone(seg.GetField(10)),
				DispenseUnits:  clone(seg.GetComponent(11, 1)),
			})
		case "RXR":
			n := len(rde.Medications)
			if n == 0 || rde.Medications[n-1].Route != "" {
				continue
			}
			rde.Medications[n-1].Route = clone(seg.GetComponent(1, 1))
		}
	}

	return rde, nil
}
