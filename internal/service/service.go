package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chaitrack/backend/internal/dataaccess"
	"chaitrack/backend/internal/domain"
	"chaitrack/backend/internal/session"
	"chaitrack/backend/internal/store"
	"chaitrack/backend/internal/views"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("forbidden role")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	sessions session.Provider
	profiles store.ProfileStore
	data     *dataaccess.Layer
	log      zerolog.Logger
}

func New(sessions session.Provider, profiles store.ProfileStore, data *dataaccess.Layer, log zerolog.Logger) *Service {
	return &Service{
		sessions: sessions,
		profiles: profiles,
		data:     data,
		log:      log,
	}
}

// Identity is a resolved caller: the provider session plus the profile
// that decides its role.
type Identity struct {
	Session session.Session
	Profile domain.Profile
}

func (i Identity) Actor() domain.Actor {
	return domain.Actor{
		UserID: i.Profile.ID,
		Email:  i.Session.Email,
		Name:   i.Profile.Name,
		Role:   i.Profile.Role,
	}
}

func (s *Service) SignUp(ctx context.Context, req domain.SignUpRequest) (domain.SignUpResponse, error) {
	email := strings.TrimSpace(req.Email)
	name := strings.TrimSpace(req.Name)
	phone := strings.TrimSpace(req.Phone)
	if email == "" {
		return domain.SignUpResponse{}, required("email")
	}
	if req.Password == "" {
		return domain.SignUpResponse{}, required("password")
	}
	if name == "" {
		return domain.SignUpResponse{}, required("name")
	}
	if phone == "" {
		return domain.SignUpResponse{}, required("phone")
	}
	role := req.Role
	if role == "" {
		role = domain.RoleCustomer
	}
	if role != domain.RoleCustomer && role != domain.RoleDeliverer {
		return domain.SignUpResponse{}, &dataaccess.ValidationError{Field: "role", Message: "must be customer or deliverer"}
	}

	sess, err := s.sessions.SignUp(ctx, session.SignUpRequest{
		Email:    email,
		Password: req.Password,
		Metadata: domain.ProfileDefaults{
			Name:    name,
			Phone:   phone,
			Address: strings.TrimSpace(req.Address),
			Role:    role,
		},
	})
	if err != nil {
		return domain.SignUpResponse{}, err
	}

	resp := domain.SignUpResponse{
		UserID:               sess.UserID,
		Email:                sess.Email,
		ConfirmationRequired: sess.AccessToken == "",
	}
	if sess.AccessToken == "" {
		return resp, nil
	}

	profile, err := s.ensureProfile(ctx, *sess)
	if err != nil {
		return domain.SignUpResponse{}, err
	}
	established := s.sessionResponse(*sess, profile)
	resp.Session = &established
	return resp, nil
}

func (s *Service) SignIn(ctx context.Context, req domain.LoginRequest) (domain.SessionResponse, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return domain.SessionResponse{}, required("email")
	}
	if req.Password == "" {
		return domain.SessionResponse{}, required("password")
	}

	sess, err := s.sessions.SignIn(ctx, email, req.Password)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	profile, err := s.ensureProfile(ctx, *sess)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return s.sessionResponse(*sess, profile), nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	return s.sessions.SignOut(ctx, token)
}

func (s *Service) RequestPasswordReset(ctx context.Context, req domain.RecoverRequest) error {
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return required("email")
	}
	return s.sessions.RequestPasswordReset(ctx, email)
}

func (s *Service) UpdatePassword(ctx context.Context, token string, req domain.PasswordUpdateRequest) error {
	if req.Password == "" {
		return required("password")
	}
	return s.sessions.UpdatePassword(ctx, token, req.Password)
}

// Authenticate resolves a bearer token to an identity, creating the profile
// on first sight. Recovery sessions resolve too; callers decide what they
// may reach.
func (s *Service) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnauthenticated
	}
	sess, err := s.sessions.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	profile, err := s.ensureProfile(ctx, *sess)
	if err != nil {
		return nil, err
	}
	return &Identity{Session: *sess, Profile: profile}, nil
}

func (s *Service) CurrentSession(id Identity) domain.SessionResponse {
	resp := s.sessionResponse(id.Session, id.Profile)
	resp.AccessToken = ""
	return resp
}

func (s *Service) Profile(ctx context.Context) (domain.ProfileUI, error) {
	actor, err := s.require(ctx)
	if err != nil {
		return domain.ProfileUI{}, err
	}
	profile, err := s.profiles.GetProfile(ctx, actor.UserID)
	if err != nil {
		return domain.ProfileUI{}, fmt.Errorf("get profile: %w", err)
	}
	return domain.ProfileToUI(*profile), nil
}

// UpdateProfile edits contact fields. The role is not part of the request
// and cannot change here.
func (s *Service) UpdateProfile(ctx context.Context, req domain.ProfileUpdateRequest) (domain.ProfileUI, error) {
	actor, err := s.require(ctx)
	if err != nil {
		return domain.ProfileUI{}, err
	}
	existing, err := s.profiles.GetProfile(ctx, actor.UserID)
	if err != nil {
		return domain.ProfileUI{}, fmt.Errorf("get profile: %w", err)
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.ProfileUI{}, required("name")
		}
		updated.Name = name
	}
	if req.Phone != nil {
		phone := strings.TrimSpace(*req.Phone)
		if phone == "" {
			return domain.ProfileUI{}, required("phone")
		}
		updated.Phone = phone
	}
	if req.Address != nil {
		address := strings.TrimSpace(*req.Address)
		updated.Address = &address
	}

	saved, err := s.profiles.UpdateProfile(ctx, updated)
	if err != nil {
		return domain.ProfileUI{}, fmt.Errorf("update profile: %w", err)
	}
	return domain.ProfileToUI(*saved), nil
}

type Dashboard struct {
	View      views.State               `json:"view"`
	Today     string                    `json:"today"`
	Customer  *views.CustomerDashboard  `json:"customer,omitempty"`
	Deliverer *views.DelivererDashboard `json:"deliverer,omitempty"`
	Admin     *views.AdminDashboard     `json:"admin,omitempty"`
}

func (s *Service) Dashboard(ctx context.Context) (Dashboard, error) {
	actor, err := s.require(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	profile, err := s.profiles.GetProfile(ctx, actor.UserID)
	if err != nil {
		return Dashboard{}, fmt.Errorf("get profile: %w", err)
	}

	today := s.data.Today()
	dash := Dashboard{View: s.viewFor(profile), Today: today}
	switch dash.View {
	case views.CustomerView:
		model := views.ForCustomer(*profile, s.data.Customers(), s.data.Sales(), today)
		dash.Customer = &model
	case views.DelivererView:
		model := views.ForDeliverer(*profile, s.data.Customers(), s.data.Deliveries(), today)
		dash.Deliverer = &model
	case views.AdminView:
		model := views.ForAdmin(s.data.Customers(), s.data.Sales(), today)
		dash.Admin = &model
	}
	return dash, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.CustomerUI, error) {
	if _, err := s.require(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	return domain.CustomersToUI(s.data.Customers()), nil
}

func (s *Service) AddCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.CustomerUI, error) {
	if _, err := s.require(ctx, domain.RoleAdmin); err != nil {
		return domain.CustomerUI{}, err
	}
	created, err := s.data.AddCustomer(ctx, req.ToNewCustomer())
	if err != nil {
		return domain.CustomerUI{}, err
	}
	return domain.CustomerToUI(*created), nil
}

// LookupCustomer resolves a scanned QR code or a typed customer id.
func (s *Service) LookupCustomer(ctx context.Context, code string) (domain.CustomerUI, error) {
	if _, err := s.require(ctx, domain.RoleDeliverer, domain.RoleAdmin); err != nil {
		return domain.CustomerUI{}, err
	}
	customer, ok := views.LookupCustomer(s.data.Customers(), code)
	if !ok {
		return domain.CustomerUI{}, fmt.Errorf("customer %q: %w", code, store.ErrNotFound)
	}
	return domain.CustomerToUI(customer), nil
}

func (s *Service) ListSales(ctx context.Context) ([]domain.SaleUI, error) {
	if _, err := s.require(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	return domain.SalesToUI(s.data.Sales()), nil
}

func (s *Service) SalesByDate(ctx context.Context) ([]views.DateGroup, error) {
	if _, err := s.require(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	return views.SalesByDate(s.data.Sales()), nil
}

func (s *Service) AddSale(ctx context.Context, req domain.SaleCreateRequest) (domain.SaleUI, error) {
	if _, err := s.require(ctx, domain.RoleAdmin); err != nil {
		return domain.SaleUI{}, err
	}
	created, err := s.data.AddSale(ctx, req.ToNewSale())
	if err != nil {
		return domain.SaleUI{}, err
	}
	return domain.SaleToUI(*created), nil
}

func (s *Service) MarkPaymentDone(ctx context.Context, saleID string, req domain.PaymentRequest) (domain.SaleUI, error) {
	if _, err := s.require(ctx, domain.RoleAdmin); err != nil {
		return domain.SaleUI{}, err
	}
	updated, err := s.data.MarkPaymentDone(ctx, strings.TrimSpace(saleID), req.PaidAmount)
	if err != nil {
		return domain.SaleUI{}, err
	}
	return domain.SaleToUI(*updated), nil
}

func (s *Service) Payments(ctx context.Context, search string) (views.PaymentsView, error) {
	if _, err := s.require(ctx, domain.RoleAdmin); err != nil {
		return views.PaymentsView{}, err
	}
	return views.Payments(s.data.Sales(), search), nil
}

// ListDeliveries returns every delivery to admins and only their own to
// deliverers.
func (s *Service) ListDeliveries(ctx context.Context) ([]domain.DeliveryUI, error) {
	actor, err := s.require(ctx, domain.RoleDeliverer, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	deliveries := s.data.Deliveries()
	if actor.Role == domain.RoleAdmin {
		return domain.DeliveriesToUI(deliveries), nil
	}
	own := make([]domain.DeliveryRecord, 0, len(deliveries))
	for _, d := range deliveries {
		if d.DeliveredBy == actor.UserID {
			own = append(own, d)
		}
	}
	return domain.DeliveriesToUI(own), nil
}

// RecordDelivery stamps the caller as deliverer. On a partial write the
// response still carries the delivery and err is a
// *dataaccess.CompanionSaleError.
func (s *Service) RecordDelivery(ctx context.Context, req domain.DeliveryCreateRequest) (domain.DeliveryResponse, error) {
	actor, err := s.require(ctx, domain.RoleDeliverer, domain.RoleAdmin)
	if err != nil {
		return domain.DeliveryResponse{}, err
	}
	result, err := s.data.AddDelivery(ctx, req.ToNewDelivery(actor))
	if result == nil {
		return domain.DeliveryResponse{}, err
	}

	resp := domain.DeliveryResponse{Delivery: domain.DeliveryToUI(result.Delivery)}
	if result.Sale != nil {
		sale := domain.SaleToUI(*result.Sale)
		resp.Sale = &sale
	}
	if err != nil {
		resp.Error = err.Error()
		s.log.Warn().Err(err).Str("delivery_id", result.Delivery.ID).Str("user_id", actor.UserID).Msg("delivery recorded without sale")
	}
	return resp, err
}

func (s *Service) RetryCompanionSale(ctx context.Context, deliveryID string) (domain.SaleUI, error) {
	actor, err := s.require(ctx, domain.RoleDeliverer, domain.RoleAdmin)
	if err != nil {
		return domain.SaleUI{}, err
	}
	deliveryID = strings.TrimSpace(deliveryID)
	if actor.Role != domain.RoleAdmin {
		owned := false
		for _, d := range s.data.Deliveries() {
			if d.ID == deliveryID {
				owned = d.DeliveredBy == actor.UserID
				break
			}
		}
		if !owned {
			return domain.SaleUI{}, fmt.Errorf("delivery %q: %w", deliveryID, store.ErrNotFound)
		}
	}

	sale, err := s.data.RetryCompanionSale(ctx, deliveryID, actor.Name)
	if err != nil {
		return domain.SaleUI{}, err
	}
	return domain.SaleToUI(*sale), nil
}

type ReloadResult struct {
	Customers  int      `json:"customers"`
	Sales      int      `json:"sales"`
	Deliveries int      `json:"deliveries"`
	Failed     []string `json:"failed,omitempty"`
}

// Reload forces a full refetch. A partial failure is reported in the result
// and returned as the *dataaccess.LoadError.
func (s *Service) Reload(ctx context.Context) (ReloadResult, error) {
	if _, err := s.require(ctx, domain.RoleAdmin); err != nil {
		return ReloadResult{}, err
	}
	err := s.data.LoadAll(ctx)
	snap := s.data.Snapshot()
	result := ReloadResult{
		Customers:  len(snap.Customers),
		Sales:      len(snap.Sales),
		Deliveries: len(snap.Deliveries),
	}
	var loadErr *dataaccess.LoadError
	if errors.As(err, &loadErr) {
		result.Failed = loadErr.Tables()
	}
	return result, err
}

// ensureProfile returns the caller's profile, creating it from the session
// metadata when the record store has none yet.
func (s *Service) ensureProfile(ctx context.Context, sess session.Session) (domain.Profile, error) {
	existing, err := s.profiles.GetProfile(ctx, sess.UserID)
	if err == nil {
		return *existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.Profile{}, fmt.Errorf("get profile: %w", err)
	}

	created, err := s.profiles.CreateProfile(ctx, profileFromSession(sess))
	if errors.Is(err, store.ErrConflict) {
		// another request created it first
		existing, err = s.profiles.GetProfile(ctx, sess.UserID)
		if err != nil {
			return domain.Profile{}, fmt.Errorf("get profile: %w", err)
		}
		return *existing, nil
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("create profile: %w", err)
	}
	s.log.Info().Str("user_id", created.ID).Str("role", string(created.Role)).Msg("profile created")
	return *created, nil
}

func profileFromSession(sess session.Session) domain.Profile {
	meta := sess.Metadata
	name := strings.TrimSpace(meta.Name)
	if name == "" {
		name, _, _ = strings.Cut(sess.Email, "@")
	}
	role := meta.Role
	if role != domain.RoleCustomer && role != domain.RoleDeliverer {
		role = domain.RoleCustomer
	}
	profile := domain.Profile{
		ID:    sess.UserID,
		Name:  name,
		Phone: strings.TrimSpace(meta.Phone),
		Role:  role,
	}
	if address := strings.TrimSpace(meta.Address); address != "" {
		profile.Address = &address
	}
	return profile
}

func (s *Service) sessionResponse(sess session.Session, profile domain.Profile) domain.SessionResponse {
	ui := domain.ProfileToUI(profile)
	resp := domain.SessionResponse{
		AccessToken: sess.AccessToken,
		Recovery:    sess.Recovery,
		Profile:     &ui,
		View:        string(s.viewFor(&profile)),
	}
	if !sess.ExpiresAt.IsZero() {
		resp.ExpiresAt = sess.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (s *Service) viewFor(profile *domain.Profile) views.State {
	return views.Resolve(views.Input{
		Authenticated: true,
		Profile:       profile,
		DataLoading:   !s.data.Ready(),
	})
}

// require returns the caller, or an error when there is none or its role is
// not among roles. No roles means any signed-in caller.
func (s *Service) require(ctx context.Context, roles ...domain.Role) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.Actor{}, ErrUnauthenticated
	}
	if len(roles) == 0 {
		return actor, nil
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, ErrForbidden
}

func required(field string) error {
	return &dataaccess.ValidationError{Field: field, Message: "is required"}
}
