package share

// audit emits a structured audit record. Payload bytes and revoke tokens are never logged.
func (s *Service) audit(action string, caller Caller, attrs ...any) {
	if s == nil || s.log == nil {
		return
	}
	args := make([]any, 0, len(attrs)+2)
	if caller.IP != nil {
		args = append(args, "ip", caller.IP.String())
	} else if caller.Identity != "" {
		args = append(args, "identity", caller.Identity)
	}
	args = append(args, attrs...)
	s.log.Info(action, args...)
}
