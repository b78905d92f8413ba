package errors

var (
	// Credential vault. Wrong-password and corrupted-blob deliberately share
	// one message: the caller must not become a brute-force oracle.
	ErrMalformedCredential  = New(CodeMalformedCredential, "credential blob is malformed")
	ErrLegacyFormatDetected = New(CodeLegacyFormatDetected, "unencrypted legacy credential format")
	ErrDecryptionFailed     = New(CodeDecryptionFailed, "could not decrypt credential")

	// Recovery flow.
	ErrNoAccountFound  = New(CodeNoAccountFound, "no account found for that email")
	ErrRecoveryExpired = New(CodeRecoveryExpired, "recovery window has expired")

	// Signing paths.
	ErrSigningUnavailable    = New(CodeSigningUnavailable, "signing is unavailable")
	ErrKmsUnavailable        = New(CodeKmsUnavailable, "key management service unavailable")
	ErrSessionExpired        = New(CodeSessionExpired, "signing session expired")
	ErrInvalidSigningRequest = New(CodeInvalidSigningRequest, "request carries neither a stamp nor a signed payload")
	ErrCustodianRejected     = New(CodeCustodianRejected, "custodian rejected the request")

	// Accounting, non-fatal by policy.
	ErrConversionPathNotFound = New(CodeConversionPathNotFound, "no conversion path to native asset")
	ErrPersistenceFailure     = New(CodePersistenceFailure, "failed to persist accounting record")
)
