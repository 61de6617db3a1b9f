// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"

	"nutri-advisor-go/internal/admission"
	"nutri-advisor-go/internal/classifier"
	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/internal/generation"
	"nutri-advisor-go/internal/handler"
	"nutri-advisor-go/internal/middleware"
	"nutri-advisor-go/internal/monitoring"
	"nutri-advisor-go/internal/orchestrator"
	"nutri-advisor-go/internal/pipeline"
	"nutri-advisor-go/internal/repository"
	"nutri-advisor-go/internal/service"
	"nutri-advisor-go/internal/vectorindex"
	"nutri-advisor-go/internal/verifier"
	"nutri-advisor-go/pkg/database"
	"nutri-advisor-go/pkg/embedding"
	"nutri-advisor-go/pkg/es"
	"nutri-advisor-go/pkg/foodapi"
	"nutri-advisor-go/pkg/kafka"
	"nutri-advisor-go/pkg/llm"
	"nutri-advisor-go/pkg/log"
	"nutri-advisor-go/pkg/storage"
	"nutri-advisor-go/pkg/token"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置，.env 中的变量可以覆盖 YAML
	if err := godotenv.Load(); err == nil {
		fmt.Println("已加载 .env")
	}
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// 3. 初始化存储：MySQL 与 Redis 均为可选，不可用时退回内存实现
	var (
		factRepo    repository.FactRepository
		profileRepo repository.ProfileRepository
		convRepo    repository.ConversationRepository
		rdb         *redis.Client
	)
	if cfg.Database.MySQL.DSN != "" {
		db, err := database.InitMySQL(cfg.Database.MySQL.DSN)
		if err != nil {
			log.Fatalf("MySQL 初始化失败: %v", err)
		}
		factRepo = repository.NewFactRepository(db)
		profileRepo = repository.NewProfileRepository(db)
	} else {
		log.Warnf("未配置 MySQL，事实库使用内存实现，用户画像不可用")
		factRepo = repository.NewMemoryFactRepository()
	}
	if cfg.Database.Redis.Addr != "" {
		client, err := database.InitRedis(rootCtx, cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
		if err != nil {
			log.Warnf("Redis 不可用，对话历史与限流使用内存实现: %v", err)
		} else {
			rdb = client
		}
	}
	if rdb != nil {
		convRepo = repository.NewConversationRepository(rdb)
	} else {
		convRepo = repository.NewMemoryConversationRepository()
	}
	monitoringRepo, err := repository.NewMonitoringRepository(cfg.Database.SQLite.Path)
	if err != nil {
		log.Fatalf("监控库初始化失败: %v", err)
	}

	store, presigner := initArtifactStore(rootCtx, cfg)

	// 4. 初始化外部客户端
	embedFactory, err := embedding.NewFactory(cfg.Embedding)
	if err != nil {
		log.Fatalf("嵌入模型初始化失败: %v", err)
	}
	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		log.Fatalf("生成后端初始化失败: %v", err)
	}
	foodClient := foodapi.NewClient(cfg.FoodAPI)

	var esClient *es.Client
	if cfg.Elasticsearch.Enabled {
		esClient, err = es.NewClient(cfg.Elasticsearch)
		if err != nil {
			log.Warnf("Elasticsearch 不可用，检索使用内存索引: %v", err)
			esClient = nil
		}
	}

	// 5. 初始化 Service (依赖注入)
	handle := vectorindex.NewHandle()
	var (
		ann    service.ANNBackend
		mirror service.VectorMirror
	)
	if esClient != nil {
		ann, mirror = esClient, esClient
	}
	ingestService := service.NewIngestService(factRepo, foodClient)
	indexService := service.NewIndexService(factRepo, handle, embedFactory, mirror, store)
	retrievalService := service.NewRetrievalService(handle, ann, cfg.Retrieval)
	conversationService := service.NewConversationService(convRepo)

	runtime := classifier.NewRuntime(store, cfg.Classifier.BundleKey)
	if err := runtime.Reload(rootCtx); err != nil {
		log.Warnf("分类器模型加载失败，使用启发式规则: %v", err)
	}

	var backend generation.Explainer
	if llmClient != nil {
		backend = generation.NewBackendExplainer(llmClient, cfg.LLM)
	}
	generator := generation.NewService(backend, generation.NewTemplateExplainer())

	var (
		producer  *kafka.Producer
		publisher monitoring.Publisher
	)
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka)
		monitoringPublisher := kafka.NewMonitoringPublisher(cfg.Kafka)
		defer monitoringPublisher.Close()
		defer producer.Close()
		publisher = monitoringPublisher
	}
	monitorService := monitoring.NewService(monitoringRepo, publisher, store, cfg.Monitoring)

	var limiterBackend admission.RedisScripter
	if rdb != nil {
		limiterBackend = rdb
	}
	limiter := admission.NewLimiter(cfg.Admission, limiterBackend)

	advisor := orchestrator.New(orchestrator.Dependencies{
		Profiles:      profileRepo,
		Ingest:        ingestService,
		Retrieval:     retrievalService,
		Classifier:    runtime,
		Verifier:      verifier.New(verifier.ToleranceFromConfig(cfg.Verifier)),
		Generator:     generator,
		Monitor:       monitorService,
		Conversations: conversationService,
		Sanitizer:     admission.NewSanitizer(),
	}, orchestrator.OptionsFromConfig(cfg))

	// 6. 构建初始索引，并启动后台导入消费者
	if status, err := indexService.Rebuild(rootCtx); err != nil {
		log.Warnf("初始索引构建失败，检索将返回 index_empty: %v", err)
	} else {
		log.Infof("初始索引构建完成: 第 %d 代, 条目数 %d", status.Generation, status.Entries)
	}
	if cfg.Kafka.Enabled {
		processor := pipeline.NewProcessor(ingestService, indexService, 30*time.Second)
		go kafka.StartConsumer(rootCtx, cfg.Kafka, processor, rdb)
	}

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		log.Fatalf("trusted_proxies 配置无效: %v", err)
	}
	r.Use(middleware.RequestLogger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.ClientIDHeader, middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)

	var queue handler.TaskQueue
	if producer != nil {
		queue = producer
	}

	// 8. 注册路由
	registerRoutes(r, routeHandlers{
		advisor:      handler.NewAdvisorHandler(advisor),
		chat:         handler.NewChatHandler(advisor, limiter),
		search:       handler.NewSearchHandler(retrievalService, cfg.Retrieval.DefaultK),
		conversation: handler.NewConversationHandler(conversationService),
		monitoring:   handler.NewMonitoringHandler(monitorService),
		health:       handler.NewHealthHandler(healthChecks(indexService, runtime, llmClient, factRepo, monitorService, limiter)),
		admin:        handler.NewAdminHandler(ingestService, indexService, queue, runtime, monitorService, presigner),
	}, jwtManager, limiter, cfg.Server.RequestTimeout)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止 Kafka 消费者并释放索引
	cancelRoot()
	indexService.Teardown()
	if err := monitoringRepo.Close(); err != nil {
		log.Warnf("关闭监控库失败: %v", err)
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info("服务已优雅关闭")
}

// initArtifactStore 启用 MinIO 时使用对象存储，否则使用本地目录。
func initArtifactStore(ctx context.Context, cfg config.Config) (storage.ArtifactStore, handler.Presigner) {
	if cfg.MinIO.Enabled {
		store, err := storage.NewMinIOStore(ctx, cfg.MinIO)
		if err == nil {
			return store, store
		}
		log.Warnf("MinIO 不可用，产物写入本地目录: %v", err)
	}
	store, err := storage.NewFSStore(afero.NewOsFs(), cfg.Artifacts.LocalDir)
	if err != nil {
		log.Fatalf("本地产物目录初始化失败: %v", err)
	}
	return store, nil
}

// healthChecks 汇总各子系统的可用性检查。
func healthChecks(index service.IndexService, runtime *classifier.Runtime, llmClient llm.Client, facts repository.FactRepository, monitor *monitoring.Service, limiter admission.Limiter) map[string]handler.Check {
	return map[string]handler.Check{
		"index": func(context.Context) bool {
			status, ok := index.Status()
			return ok && status.Entries > 0
		},
		"classifier": func(context.Context) bool {
			return runtime.Available()
		},
		"generation_backend": func(ctx context.Context) bool {
			return llmClient != nil && llmClient.Ping(ctx) == nil
		},
		"fact_store":      handler.PingCheck(facts.Ping),
		"monitoring":      handler.PingCheck(monitor.Ping),
		"admission_store": handler.PingCheck(limiter.Ping),
	}
}
