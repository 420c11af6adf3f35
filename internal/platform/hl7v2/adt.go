package hl7v2

import (
	"strings"
)

// PersonName is an XPN value split into its parts.
type PersonName struct {
	Family string `json:"family,omitempty"`
	Given  string `json:"given,omitempty"`
	Middle string `json:"middle,omitempty"`
	Suffix string `json:"suffix,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	Raw    string `json:"raw,omitempty"`
}

// Address is an XAD value.
type Address struct {
	Street     string `json:"street,omitempty"`
	Other      string `json:"other,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// NextOfKin is one NK1 segment.
type NextOfKin struct {
	Name         PersonName `json:"name"`
	Relationship string     `json:"relationship,omitempty"`
	Phone        string     `json:"phone,omitempty"`
}

// Visit is the PV1 segment.
type Visit struct {
	PatientClass    string `json:"patient_class,omitempty"`
	Location        string `json:"location,omitempty"`
	AttendingDoctor string `json:"attending_doctor,omitempty"`
	HospitalService string `json:"hospital_service,omitempty"`
	AdmissionType   string `json:"admission_type,omitempty"`
	VisitNumber     string `json:"visit_number,omitempty"`
	AdmitDateTime   string `json:"admit_datetime,omitempty"`
}

// ADTMessage is the admission/discharge/transfer view of a message.
type ADTMessage struct {
	MessageType        string      `json:"message_type"`
	EventType          string      `json:"event_type,omitempty"`
	PatientID          string      `json:"patient_id"`
	AssigningAuthority string      `json:"assigning_authority,omitempty"`
	PatientName        PersonName  `json:"patient_name"`
	DateOfBirth        string      `json:"date_of_birth,omitempty"`
	Sex                string      `json:"sex,omitempty"`
	Address            *Address    `json:"address,omitempty"`
	Phone              string      `json:"phone,omitempty"`
	AccountNumber      string      `json:"account_number,omitempty"`
	NextOfKin          []NextOfKin `json:"next_of_kin,omitempty"`
	Visit              *Visit      `json:"visit,omitempty"`
}

// ADTFromMessage extracts the ADT view. PID-3.1 is required; everything else
// is optional.
func ADTFromMessage(msg *Message) (*ADTMessage, error) {
	if !msg.IsADT() {
		return nil, wrongType("ADT", msg)
	}

	pid := msg.GetSegment("PID")
	if pid == nil {
		return nil, &ViewError{View: "ADT", Field: "PID", Err: ErrMissingRequiredField}
	}
	patientID := pid.GetComponent(3, 1)
	if patientID == "" {
		return nil, &ViewError{View: "ADT", Field: "PID-3", Err: ErrMissingRequiredField}
	}

	adt := &ADTMessage{
		MessageType:        clone(msg.MessageType()),
		EventType:          clone(msg.TriggerEvent()),
		PatientID:          clone(patientID),
		AssigningAuthority: clone(pid.GetComponent(3, 4)),
		PatientName:        personName(pid, 5),
		DateOfBirth:        clone(pid.GetComponent(7, 1)),
		Sex:                clone(pid.GetField(8)),
		Address:            address(pid, 11),
		Phone:              clone(pid.GetComponent(13, 1)),
		AccountNumber:      clone(pid.GetComponent(18, 1)),
	}
	if adt.EventType == "" {
		if evn := msg.GetSegment("EVN"); evn != nil {
			adt.EventType = clone(evn.GetField(1))
		}
	}

	for _, nk1 := range msg.GetSegments("NK1") {
		adt.NextOfKin = append(adt.NextOfKin, NextOfKin{
			Name:         personName(nk1, 2),
			Relationship: clone(nk1.GetComponent(3, 1)),
			Phone:        clone(nk1.GetComponent(5, 1)),
		})
	}

	if pv1 := msg.GetSegment("PV1"); pv1 != nil {
		adt.Visit = &Visit{
			PatientClass:    clone(pv1.GetField(2)),
			Location:        clone(joinNonEmpty(pv1, 3, "/", 1, 2, 3)),
			AttendingDoctor: clone(doctorName(pv1, 7)),
			HospitalService: clone(pv1.GetField(10)),
			AdmissionType:   clone(pv1.GetField(4)),
			VisitNumber:     clone(pv1.GetComponent(19, 1)),
			AdmitDateTime:   clone(pv1.GetComponent(44, 1)),
		}
	}

	return adt, nil
}

func personName(s *Segment, field int) PersonName {
	if s.Field(field).IsEmpty() {
		return PersonName{}
	}
	return PersonName{
		Family: clone(s.GetComponent(field, 1)),
		Given:  clone(s.GetComponent(field, 2)),
		Middle: clone(s.GetComponent(field, 3)),
		Suffix: clone(s.GetComponent(field, 4)),
		Prefix: clone(s.GetComponent(field, 5)),
		Raw:    s.Raw(field),
	}
}

func address(s *Segment, field int) *Address {
	if s.Field(field).IsEmpty() {
		return nil
	}
	return &Address{
		Street:     clone(s.GetComponent(field, 1)),
		Other:      clone(s.GetComponent(field, 2)),
		City:       clone(s.GetComponent(field, 3)),
		State:      clone(s.GetComponent(field, 4)),
		PostalCode: clone(s.GetComponent(field, 5)),
		Country:    clone(s.GetComponent(field, 6)),
	}
}

// doctorName renders an XCN as "ID Family, Given".
func doctorName(s *Segment, field int) string {
	id := s.GetComponent(field, 1)
	family := s.GetComponent(field, 2)
	given := s.GetComponent(field, 3)

	name := family
	if given != "" {
		if name != "" {
			name += ", "
		}
		name += given
	}
	switch {
	case id == "":
		return name
	case name == "":
		return id
	}
	return id + " " + name
}

func joinNonEmpty(s *Segment, field int, sep string, comps ...int) string {
	parts := make([]string, 0, len(comps))
	for _, c := range comps {
		if v := s.GetComponent(field, c); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, sep)
}

func wrongType(view string, msg *Message) error {
	got := msg.MessageCode()
	if got == "" {
		got = "<empty MSH-9>"
	}
	return &ViewError{View: view, Field: "MSH-9 is " + got, Err: ErrWrongMessageType}
}

// clone detaches a view string from the source message.
func clone(s string) string {
	return strings.Clone(s)
}
