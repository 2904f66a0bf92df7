package trie

import "strings"

// SubjectError describes why a subject or subscription pattern was rejected.
type SubjectError struct {
	Subject string
	Reason  string
}

func (e *SubjectError) Error() string {
	if e.Subject == "" {
		return "invalid subject: " + e.Reason
	}
	return "invalid subject \"" + e.Subject + "\": " + e.Reason
}

func subjectErr(subject, reason string) error {
	return &SubjectError{Subject: subject, Reason: reason}
}

// ValidatePattern checks a subscription subject. "*" may stand for any one
// token and ">" for the rest of the subject when it is the last token.
func ValidatePattern(pattern string) ([]string, error) {
	parts, err := tokens(pattern)
	if err != nil {
		return nil, err
	}

	for i, part := range parts {
		switch {
		case part == "*":
			// valid single-level wildcard
		case part == ">":
			if i != len(parts)-1 {
				return nil, subjectErr(pattern, "'>' must be the last token")
			}
		case strings.ContainsAny(part, ">*"):
			return nil, subjectErr(pattern, "wildcards must be standalone tokens")
		}
	}

	return parts, nil
}

// ValidateSubject checks a concrete publish subject or reply-to. Wildcards
// are not allowed.
func ValidateSubject(subject string) ([]string, error) {
	parts, err := tokens(subject)
	if err != nil {
		return nil, err
	}

	for _, part := range parts {
		if strings.ContainsAny(part, ">*") {
			return nil, subjectErr(subject, "wildcards not allowed in subject")
		}
	}

	return parts, nil
}

// ValidateQueue checks a queue group name.
func ValidateQueue(queue string) error {
	if queue == "" {
		return subjectErr(queue, "queue must not be empty")
	}
	if strings.ContainsAny(queue, " \t\r\n") {
		return subjectErr(queue, "queue contains whitespace")
	}
	return nil
}

func tokens(subject string) ([]string, error) {
	if subject == "" {
		return nil, subjectErr(subject, "must not be empty")
	}
	if strings.ContainsAny(subject, " \t\r\n") {
		return nil, subjectErr(subject, "contains whitespace")
	}

	parts := strings.Split(subject, ".")
	for _, part := range parts {
		if part == "" {
			return nil, subjectErr(subject, "empty token")
		}
	}
	return parts, nil
}
