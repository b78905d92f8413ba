package errors

type Code string

const (
	CodeUnknown                Code = "UNKNOWN"
	CodeMalformedCredential    Code = "MALFORMED_CREDENTIAL"
	CodeLegacyFormatDetected   Code = "LEGACY_FORMAT_DETECTED"
	CodeDecryptionFailed       Code = "DECRYPTION_FAILED"
	CodeNoAccountFound         Code = "NO_ACCOUNT_FOUND"
	CodeRecoveryExpired        Code = "RECOVERY_EXPIRED"
	CodeSigningUnavailable     Code = "SIGNING_UNAVAILABLE"
	CodeKmsUnavailable         Code = "KMS_UNAVAILABLE"
	CodeSessionExpired         Code = "SESSION_EXPIRED"
	CodeInvalidSigningRequest  Code = "INVALID_SIGNING_REQUEST"
	CodeCustodianRejected      Code = "CUSTODIAN_REJECTED"
	CodeConversionPathNotFound Code = "CONVERSION_PATH_NOT_FOUND"
	CodePersistenceFailure     Code = "PERSISTENCE_FAILURE"
)
