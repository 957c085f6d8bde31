package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"shunsatsu/internal/camera"
	"shunsatsu/internal/config"
	"shunsatsu/internal/indicator"
	"shunsatsu/internal/processing"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config       *config.Config
	orchestrator *camera.Orchestrator
	httpServer   *http.Server
	engine       *gin.Engine
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, orch *camera.Orchestrator) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		config:       cfg,
		orchestrator: orch,
		engine:       engine,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
}

// NewFromConfig は設定から依存一式を組み立ててServerを作成する
func NewFromConfig(cfg *config.Config) (*Server, error) {
	allocator, err := camera.NewSequenceAllocator(cfg.SequenceDirs(), cfg.Camera.SequencePrefix)
	if err != nil {
		return nil, fmt.Errorf("連番の初期化に失敗: %w", err)
	}

	converter := processing.NewDNGConverter(cfg.Processing.ConverterCommand)
	processor := processing.NewProcessor(cfg.Processing, converter, processing.NewArchiveEncoder())
	queue := processing.NewQueue(cfg.Processing, processor)

	// GPIOが使えない環境ではLEDなしで続行する
	var driver indicator.Driver
	if cfg.Indicator.Enabled {
		d, derr := indicator.NewRpioDriver(cfg.Indicator.Pin)
		if derr != nil {
			log.Printf("GPIOドライバの初期化に失敗（LEDなしで続行します）: %v", derr)
		} else {
			driver = d
		}
	}
	ind := indicator.New(cfg.Indicator, driver)

	factory := camera.NewDeviceFactory()
	orch := camera.NewOrchestrator(cfg.Camera, camera.OrchestratorDeps{
		Factory:     factory.Bind(cfg.Camera),
		Allocator:   allocator,
		Queue:       queue,
		Processor:   processor,
		Indicator:   ind,
		CaptureDirs: cfg.CaptureDirs(),
	})

	return New(cfg, orch), nil
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	h := &ShunsatsuHandler{
		config:       s.config,
		orchestrator: s.orchestrator,
	}

	// ヘルスチェックエンドポイント
	s.engine.GET("/health", h.HealthCheck)

	// ルートハンドラ（簡単な確認用）
	s.engine.GET("/", h.Index)

	// APIエンドポイント
	api := s.engine.Group("/api")
	{
		api.GET("/status", h.GetStatus)
		api.POST("/capture", h.TriggerCapture)
		api.GET("/captures", h.ListCaptures)
		api.POST("/focus", h.TriggerAutofocus)
		api.POST("/focus/lock", h.LockFocus)
		api.POST("/focus/unlock", h.UnlockFocus)
		api.POST("/reinitialize", h.Reinitialize)
	}
}

// Start はサーバーを起動する
// 撮影系の起動後にHTTPの受付を開始し、シグナルを受けて停止する
func (s *Server) Start(ctx context.Context) error {
	// ルートを設定
	s.setupRoutes()

	// 現像キュー・インジケーター・カメラセッションを起動
	if err := s.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("撮影系の起動に失敗: %w", err)
	}

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		log.Printf("HTTPサーバーを起動しています: %s", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		log.Println("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		log.Printf("シグナルを受信しました: %v", sig)
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
// HTTPの受付を閉じてから撮影系を停止する
func (s *Server) Shutdown() error {
	log.Println("サーバーをシャットダウンしています...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	// 現像キューの処分を待つ分だけ余裕を持たせる
	orchCtx, orchCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer orchCancel()

	if err := s.orchestrator.Shutdown(orchCtx); err != nil {
		return fmt.Errorf("撮影系のシャットダウンに失敗: %w", err)
	}

	log.Println("サーバーが正常にシャットダウンされました")
	return nil
}
