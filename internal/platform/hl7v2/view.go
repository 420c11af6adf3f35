package hl7v2

// View returns the typed view for the message family named in MSH-9.1:
// *ADTMessage, *ORUMessage or *RDEMessage. Other families fail with
// ErrWrongMessageType.
func View(msg *Message) (any, error) {
	var (
		v   any
		err error
	)
	switch {
	case msg.IsADT():
		v, err = ADTFromMessage(msg)
	case msg.IsORU():
		v, err = ORUFromMessage(msg)
	case msg.IsRDE():
		v, err = RDEFromMessage(msg)
	default:
		return nil, wrongType("ADT/ORU/RDE", msg)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}
