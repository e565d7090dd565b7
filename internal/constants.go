package internal

const (
	DotEnvPath    = "./.env"
	JobLogDir     = "logs"
	APIKeyHeader  = "X-SimpleCD-Key"
)
