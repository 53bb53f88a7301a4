package dimse

// VerificationService answers C-ECHO with Success
type VerificationService struct{}

// Commands returns C-ECHO-RQ
func (VerificationService) Commands() []CommandField { return []CommandField{CEchoRQ} }

// OnRequest returns no results, which yields a single Success response
func (VerificationService) OnRequest(*Association, *PresentationContext, *Message) (Operation, error) {
	return nil, nil
}
