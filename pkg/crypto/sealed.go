package crypto

// Sealed секрет, хранящийся в памяти только в зашифрованном виде.
//
// Воркер биржи держит API secret как Sealed и открывает его на время одной
// подписи: Use расшифровывает, передает буфер в fn и затирает его после возврата.
// Буфер нельзя сохранять за пределами fn.
type Sealed struct {
	ciphertext string
	key        []byte
}

// Seal шифрует plaintext ключом key
func Seal(plaintext []byte, key []byte) (*Sealed, error) {
	ct, err := Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	return &Sealed{ciphertext: ct, key: key}, nil
}

// FromCiphertext оборачивает уже зашифрованное значение (как оно хранится в БД)
func FromCiphertext(ciphertext string, key []byte) *Sealed {
	return &Sealed{ciphertext: ciphertext, key: key}
}

// Ciphertext значение для хранения
func (s *Sealed) Ciphertext() string {
	return s.ciphertext
}

// Use открывает секрет на время вызова fn
func (s *Sealed) Use(fn func(secret []byte) error) error {
	plain, err := Decrypt(s.ciphertext, s.key)
	if err != nil {
		return err
	}
	defer Zero(plain)
	return fn(plain)
}

// Reveal возвращает секрет строкой. Строку нельзя затереть, поэтому метод
// нужен только там, где сторонний клиент принимает секрет строкой (go-binance).
func (s *Sealed) Reveal() (string, error) {
	var out string
	err := s.Use(func(secret []byte) error {
		out = string(secret)
		return nil
	})
	return out, err
}

// String не раскрывает содержимое в логах
func (s *Sealed) String() string {
	return "[sealed]"
}
