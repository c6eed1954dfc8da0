// Package config provides configuration management for cortex-rag.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. It provides a type-safe configuration structure with
// validation, default values, and automatic file creation.
//
// # Configuration File
//
// The configuration is stored at ~/.cortex-rag/config.yaml and is created
// with defaults on first use. Sections mirror the components they
// configure: llm, router, retrieval, breaker, engine, storage, logging and
// metrics. Durations are written as Go duration strings ("300s", "2s").
//
// # Environment Variables
//
// Every value present in the file can be overridden with an environment
// variable prefixed CORTEX_RAG_; nested keys are joined by underscores.
//
// Examples:
//   - CORTEX_RAG_LLM_DEFAULT_PROVIDER=anthropic
//   - CORTEX_RAG_LLM_PROVIDERS_OPENAI_API_KEY=sk-...
//   - CORTEX_RAG_RETRIEVAL_WEB_API_KEY=tvly-...
//   - CORTEX_RAG_LOGGING_LEVEL=debug
//
// Per-tenant provider keys live under credentials (tenant → provider → key)
// or in CORTEX_RAG_<TENANT>_<PROVIDER>_KEY variables; see store.EnvCredentials.
//
// # Usage Example
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	eng := engine.New(r, retriever, registry, b, cfg.EngineConfig())
package config
