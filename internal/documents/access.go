package documents

// Action is the operation an actor wants to perform on a document.
type Action string

const (
	ActionView     Action = "view"
	ActionDownload Action = "download"
	ActionModify   Action = "modify"
	ActionDelete   Action = "delete"
)

// Deny reasons surfaced to callers.
const (
	DenyReasonConfidential = "confidential"
	DenyReasonInsufficient = "insufficient permissions"
)

// Decision is the access guard's verdict.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow(reason string) Decision {
	return Decision{Allowed: true, Reason: reason}
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Authorize evaluates the ordered access rules; the first match wins.
// Confidentiality is checked after the permission and uploader rules, so a
// confidential document remains accessible to its permitted viewers and its
// uploader. The decision depends only on the inputs.
func Authorize(doc *Document, actorID string, role Role, action Action) Decision {
	if doc == nil {
		return deny(DenyReasonInsufficient)
	}

	mutation := action == ActionModify || action == ActionDelete
	uploader := actorID != "" && actorID == doc.UploadedBy

	if doc.IsPublic && (!mutation || uploader) {
		return allow("public")
	}

	permissions, err := doc.Permissions()
	if err == nil && permissions.Contains(role) {
		return allow("permitted role")
	}

	if uploader {
		return allow("uploader")
	}

	if doc.Confidential {
		return deny(DenyReasonConfidential)
	}

	return deny(DenyReasonInsufficient)
}
