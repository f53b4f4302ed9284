package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	AppEnv          string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	DBPath string

	LogLevel     string
	LogFormat    string
	LogFile      string
	LogToConsole bool

	DefaultPatientID     string
	AllowDynamicPatients bool
	PairWindow           time.Duration
	FallbackPairWindow   time.Duration
	HeartRateHigh        int
	SpO2Low              int

	MQTTBroker               string
	MQTTClientID             string
	MQTTUsername             string
	MQTTPassword             string
	MQTTTopics               []string
	MQTTSensorPrefix         string
	MQTTQoS                  byte
	MQTTConnectTimeout       time.Duration
	MQTTReconnectInterval    time.Duration
	MQTTMaxReconnectInterval time.Duration

	SMTPHost           string
	SMTPPort           int
	SMTPSecure         bool
	SMTPUser           string
	SMTPPass           string
	SMTPFrom           string
	SMTPTimeout        time.Duration
	AlertFallbackEmail string

	KafkaEnabled  bool
	KafkaBrokers  string
	VitalsTopic   string
	ConsumerGroup string

	RedisAddr     string
	RedisPassword string
	RedisChannel  string
}

// MailEnabled reports whether an outbound mail transport is configured.
func (c *Config) MailEnabled() bool {
	return c.SMTPHost != ""
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func LoadConfig() *Config {
	err := godotenv.Load() // Looks for ".env" in the current directory
	if err != nil {
		log.Println("No .env file found, using environment variables or default values")
	}

	smtpPort := getEnvInt("SMTP_PORT", 465)
	smtpUser := getEnv("SMTP_USER", "")
	qos := getEnvInt("MQTT_QOS", 0)
	if qos < 0 || qos > 2 {
		log.Printf("Invalid MQTT_QOS %d, using 0", qos)
		qos = 0
	}

	return &Config{
		Port:            getEnv("PORT", "3001"),
		AppEnv:          getEnv("APP_ENV", "development"),
		AllowedOrigins:  splitList(getEnv("ALLOWED_ORIGINS", "*")),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		DBPath: getEnv("DB_PATH", "patient_monitoring.db"),

		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "json"),
		LogFile:      getEnv("LOG_FILE", "./logs/patient-monitor.log"),
		LogToConsole: getEnvBool("LOG_TO_CONSOLE", true),

		DefaultPatientID:     getEnv("DEFAULT_PATIENT_ID", getEnv("VITE_DEFAULT_PATIENT_ID", "P001")),
		AllowDynamicPatients: getEnvBool("ALLOW_DYNAMIC_PATIENTS", false),
		PairWindow:           getEnvDuration("PAIR_WINDOW", 15*time.Second),
		FallbackPairWindow:   getEnvDuration("FALLBACK_PAIR_WINDOW", 10*time.Second),
		HeartRateHigh:        getEnvInt("HEART_RATE_HIGH", 100),
		SpO2Low:              getEnvInt("SPO2_LOW", 90),

		MQTTBroker:               getEnv("MQTT_BROKER_URL", "tcp://test.mosquitto.org:1883"),
		MQTTClientID:             getEnv("MQTT_CLIENT_ID", "patient-monitor"),
		MQTTUsername:             getEnv("MQTT_USERNAME", ""),
		MQTTPassword:             getEnv("MQTT_PASSWORD", ""),
		MQTTTopics:               splitList(getEnv("MQTT_TOPIC", "health/vitals/#")),
		MQTTSensorPrefix:         getEnv("MQTT_SENSOR_PREFIX", "health/vitals/"),
		MQTTQoS:                  byte(qos),
		MQTTConnectTimeout:       getEnvDuration("MQTT_CONNECT_TIMEOUT", 10*time.Second),
		MQTTReconnectInterval:    getEnvDuration("MQTT_RECONNECT_INTERVAL", 3*time.Second),
		MQTTMaxReconnectInterval: getEnvDuration("MQTT_MAX_RECONNECT_INTERVAL", 30*time.Second),

		SMTPHost:           getEnv("SMTP_HOST", ""),
		SMTPPort:           smtpPort,
		SMTPSecure:         getEnvBool("SMTP_SECURE", smtpPort == 465),
		SMTPUser:           smtpUser,
		SMTPPass:           getEnv("SMTP_PASS", ""),
		SMTPFrom:           getEnv("SMTP_FROM", firstNonEmpty(smtpUser, "no-reply@example.com")),
		SMTPTimeout:        getEnvDuration("SMTP_TIMEOUT", 15*time.Second),
		AlertFallbackEmail: getEnv("ALERT_FALLBACK_EMAIL", ""),

		KafkaEnabled:  getEnvBool("KAFKA_ENABLED", false),
		KafkaBrokers:  getEnv("KAFKA_BROKERS", "localhost:9092"),
		VitalsTopic:   getEnv("VITALS_TOPIC", "patient-vitals"),
		ConsumerGroup: getEnv("CONSUMER_GROUP", "patient-monitor"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisChannel:  getEnv("REDIS_CHANNEL", "patient-monitor:live"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Printf("Invalid integer for %s=%q, using %d", key, value, fallback)
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("15s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("Invalid duration for %s=%q, using %s", key, value, fallback)
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
