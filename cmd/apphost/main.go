package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"apphost/portal/appstore"
	"apphost/portal/auth"
	"apphost/portal/schema"
	"apphost/portal/services"
	"apphost/utils"
	"apphost/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogmulti "github.com/samber/slog-multi"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

type apphostEnv struct {
	IngressHostname string
	DatabaseUri     string
	LogDir          string

	JwtSecret    string
	TwoFactorKey string

	AdminUsername string
	AdminEmail    string
	AdminPassword string

	Kubeconfig       string
	ClusterTokenFile string

	SecureCookies bool
}

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	err := godotenv.Load(envFile)
	if err != nil {
		log.Fatalf("error loading .env file '%v': %v", envFile, err)
	}
}

/**
 * ==========================================================================
 * ==== All variables that are used by the portal must be loaded here.   ====
 * ==== This is to make the data flow clear so that a user can see what  ====
 * ==== variables are exposed, and how the values are propagated through ====
 * ==== the system.                                                      ====
 * ==========================================================================
 */
func loadEnv() apphostEnv {
	missingEnvs := []string{}

	requiredEnv := func(key string) string {
		env := os.Getenv(key)
		if env == "" {
			missingEnvs = append(missingEnvs, key)
			slog.Error("missing required env variable", "key", key)
		}
		return env
	}

	env := apphostEnv{
		IngressHostname: requiredEnv("INGRESS_HOSTNAME"),
		DatabaseUri:     requiredEnv("DATABASE_URI"),
		LogDir:          utils.OptionalEnv("LOG_DIR"),

		JwtSecret:    requiredEnv("JWT_SECRET"),
		TwoFactorKey: requiredEnv("TWO_FACTOR_KEY"),

		AdminUsername: requiredEnv("ADMIN_USERNAME"),
		AdminEmail:    requiredEnv("ADMIN_MAIL"),
		AdminPassword: requiredEnv("ADMIN_PASSWORD"),

		Kubeconfig:       utils.OptionalEnv("KUBECONFIG"),
		ClusterTokenFile: utils.OptionalEnv("CLUSTER_TOKEN_FILE"),

		SecureCookies: utils.BoolEnvVar("SECURE_COOKIES"),
	}

	if len(missingEnvs) > 0 {
		log.Fatalf("The following required env vars are missing: %s", strings.Join(missingEnvs, ", "))
	}

	if env.LogDir == "" {
		env.LogDir = "logs"
	}

	return env
}

func (env *apphostEnv) postgresDsn() string {
	parts, err := url.Parse(env.DatabaseUri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func (env *apphostEnv) twoFactorCipher() *auth.SecretCipher {
	key, err := hex.DecodeString(env.TwoFactorKey)
	if err != nil {
		log.Fatalf("TWO_FACTOR_KEY must be hex encoded: %v", err)
	}
	cipher, err := auth.NewSecretCipher(key)
	if err != nil {
		log.Fatalf("error initializing two factor cipher: %v", err)
	}
	return cipher
}

func (env *apphostEnv) clusterConfig() *rest.Config {
	if env.Kubeconfig != "" {
		config, err := clientcmd.BuildConfigFromFlags("", env.Kubeconfig)
		if err != nil {
			log.Fatalf("error loading kubeconfig '%v': %v", env.Kubeconfig, err)
		}
		return config
	}

	config, err := rest.InClusterConfig()
	if err != nil {
		log.Fatalf("error loading in-cluster config: %v", err)
	}
	return config
}

func initLogging(logFile *os.File) {
	log.SetFlags(log.Lshortfile | log.Ltime | log.Ldate)
	log.SetOutput(io.MultiWriter(logFile, os.Stderr))

	// victoria logs option transform keys like msg and time into victoria log keys _msg and _time
	var jsonHandler slog.Handler = slog.NewJSONHandler(logFile, logging.GetVictoriaLogsOptions(true))
	jsonHandler = jsonHandler.WithAttrs([]slog.Attr{
		slog.String("service_type", "portal"),
	})
	textHandler := slog.NewTextHandler(os.Stderr, nil)

	slog.SetDefault(slog.New(slogmulti.Fanout(jsonHandler, textHandler)))
	slog.Info("logging initialized", "log_file", logFile.Name(), "code", logging.SYSTEM)
}

func initDb(dsn string) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	err = db.AutoMigrate(schema.Tables()...)
	if err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	if err := schema.SeedDefaults(db); err != nil {
		log.Fatalf("error seeding default accreditations and policies: %v", err)
	}

	return db
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")

	flag.Parse()

	if *envFile != "" {
		loadEnvFile(*envFile)
	}
	env := loadEnv()

	err := os.MkdirAll(env.LogDir, 0777)
	if err != nil {
		log.Fatalf("error creating log dir: %v", err)
	}

	logFile, err := os.OpenFile(filepath.Join(env.LogDir, "apphost.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer logFile.Close()

	auditFile, err := os.OpenFile(filepath.Join(env.LogDir, "audit.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening audit log file: %v", err)
	}
	defer auditFile.Close()

	initLogging(logFile)

	db := initDb(env.postgresDsn())

	credentials := auth.NewCredentials(db)
	if err := credentials.AddInitialAdmin(env.AdminUsername, env.AdminEmail, env.AdminPassword); err != nil {
		log.Fatalf("error adding initial admin: %v", err)
	}

	var tokens *appstore.TokenCache
	if env.ClusterTokenFile != "" {
		tokens = appstore.NewTokenCache(
			appstore.FileTokenSource(env.ClusterTokenFile, time.Hour, time.Now), time.Now,
		)
	}

	store, err := appstore.NewKubeStore(env.clusterConfig(), tokens)
	if err != nil {
		log.Fatalf("error creating cluster app store: %v", err)
	}

	sessions := auth.NewSessionManager([]byte(env.JwtSecret), env.SecureCookies)
	twoFactor := auth.NewTwoFactor(env.twoFactorCipher(), env.IngressHostname)
	auditLog := auth.NewAuditLogger(auditFile)

	portal := services.NewPortal(db, store, sessions, twoFactor, auditLog)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{env.IngressHostname},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/api/v1", portal.Routes())
	r.Mount("/", portal.PageRoutes())

	slog.Info("starting server", "port", *port)
	err = http.ListenAndServe(fmt.Sprintf(":%d", *port), r)
	if err != nil {
		log.Fatalf("listen and serve returned error: %v", err.Error())
	}
}
