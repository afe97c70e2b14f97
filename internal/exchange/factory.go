package exchange

import (
	"fmt"
	"sort"
	"sync"

	"tradetracker/pkg/utils"
)

// Extra дополнительное поле ключей, которое требует биржа
type Extra int

const (
	ExtraNone       Extra = iota
	ExtraPassphrase       // обязательная passphrase (KuCoin, OKX)
	ExtraSubaccount       // необязательный субаккаунт (FTX)
)

// Factory создает воркер
type Factory func(opts Options) (Worker, error)

// Descriptor описание биржи в реестре
type Descriptor struct {
	Tag     string
	Extra   Extra
	Factory Factory
}

// Registry реестр тег -> фабрика
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

// DefaultRegistry реестр со всеми поддерживаемыми биржами
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Descriptor{Tag: TagBinanceFutures, Factory: NewBinanceFutures})
	r.Register(Descriptor{Tag: TagBinanceSpot, Factory: NewBinanceSpot})
	r.Register(Descriptor{Tag: TagBitmex, Factory: NewBitmex})
	r.Register(Descriptor{Tag: TagBybitLinear, Factory: NewBybitLinear})
	r.Register(Descriptor{Tag: TagBybitInverse, Factory: NewBybitInverse})
	r.Register(Descriptor{Tag: TagFTX, Extra: ExtraSubaccount, Factory: NewFTX})
	r.Register(Descriptor{Tag: TagKucoinFutures, Extra: ExtraPassphrase, Factory: NewKucoinFutures})
	r.Register(Descriptor{Tag: TagOKX, Extra: ExtraPassphrase, Factory: NewOKX})
	return r
}

// Register добавляет или заменяет описание биржи
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	r.descriptors[d.Tag] = d
	r.mu.Unlock()
}

// Lookup описание по тегу
func (r *Registry) Lookup(tag string) (Descriptor, error) {
	tag = utils.NormalizeExchange(tag)
	r.mu.RLock()
	d, ok := r.descriptors[tag]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownExchange, tag)
	}
	return d, nil
}

// Tags отсортированный список тегов
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.descriptors))
	for tag := range r.descriptors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// IsSupported проверяет, поддерживается ли биржа
func (r *Registry) IsSupported(tag string) bool {
	_, err := r.Lookup(tag)
	return err == nil
}

// Validate проверяет поля регистрации до создания воркера.
// Ошибки возвращаются как KindUserInput.
func (r *Registry) Validate(tag, apiKey, secret, passphrase, subaccount string) error {
	d, err := r.Lookup(tag)
	if err != nil {
		return &Error{Exchange: tag, Kind: KindUserInput, Err: err}
	}

	var errs utils.ValidationErrors
	errs.AddError("api_key", utils.ValidateAPIKey(apiKey))
	errs.AddError("api_secret", utils.ValidateAPISecret(secret))

	switch d.Extra {
	case ExtraPassphrase:
		if passphrase == "" {
			errs.AddError("passphrase", ErrMissingPassphrase)
		} else {
			errs.AddError("passphrase", utils.ValidateAPIPassphrase(passphrase))
		}
		if subaccount != "" {
			errs.AddError("subaccount", ErrUnexpectedExtra)
		}
	case ExtraSubaccount:
		if passphrase != "" {
			errs.AddError("passphrase", ErrUnexpectedExtra)
		}
		errs.AddError("subaccount", utils.ValidateSubaccount(subaccount))
	default:
		if passphrase != "" {
			errs.AddError("passphrase", ErrUnexpectedExtra)
		}
		if subaccount != "" {
			errs.AddError("subaccount", ErrUnexpectedExtra)
		}
	}

	if errs.HasErrors() {
		return &Error{Exchange: d.Tag, Kind: KindUserInput, Message: errs.Error(), Err: errs}
	}
	return nil
}

// New создает воркер по тегу
func (r *Registry) New(tag string, opts Options) (Worker, error) {
	d, err := r.Lookup(tag)
	if err != nil {
		return nil, &Error{Exchange: tag, Kind: KindUserInput, Err: err}
	}
	if d.Extra == ExtraPassphrase && opts.Credentials.Passphrase == nil {
		return nil, &Error{Exchange: d.Tag, Kind: KindUserInput, Err: ErrMissingPassphrase}
	}
	return d.Factory(opts)
}
