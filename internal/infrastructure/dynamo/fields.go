package dynamo

// DynamoDB attribute and index names shared by the repos and Bootstrap.
const (
	fieldUserID           = "user_id"
	fieldSessionID        = "session_id"
	fieldCode             = "code"
	fieldExpiresAt        = "expires_at"
	fieldExternalIdentity = "external_identity"
	fieldUpdatedAt        = "updated_at"

	indexCode = "code-index"
)
