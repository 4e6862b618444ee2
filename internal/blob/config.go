package blob

// S3Config holds the settings for the object storage backend.
type S3Config struct {
	BucketName    string `json:"bucket_name" mapstructure:"bucket_name"`
	Region        string `json:"region" mapstructure:"region"`
	AccessKey     string `json:"access_key" mapstructure:"access_key"`
	SecretKey     string `json:"secret_key" mapstructure:"secret_key"`
	Endpoint      string `json:"endpoint,omitempty" mapstructure:"endpoint"`
	UseAccelerate bool   `json:"use_accelerate,omitempty" mapstructure:"use_accelerate"`
}
